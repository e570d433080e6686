package salesforce

import (
	"context"
	"fmt"
	"strings"

	"rabbitforce/internal/config"
	"rabbitforce/internal/constants"
	"rabbitforce/internal/logger"
	"rabbitforce/pkg/errors"
)

// Resource is a provisioned PushTopic or StreamingChannel bound to an org.
type Resource struct {
	Type       string
	ID         string
	Name       string
	APIVersion float64
	Durable    bool
	// Created marks resources this service created, as opposed to
	// pre-existing ones it merely bound to.
	Created bool
}

// Channel returns the Bayeux channel the resource publishes on.
func (r Resource) Channel() string {
	if r.Type == config.ResourceTypePushTopic {
		return "/topic/" + r.Name
	}
	return r.Name
}

// Provisioner ensures the declared streaming resources exist before any
// streaming client subscribes, and tears down the transient ones at
// shutdown.
type Provisioner struct {
	rest *RestClient
	log  logger.Logger

	resources []Resource
}

func NewProvisioner(rest *RestClient, log logger.Logger) *Provisioner {
	return &Provisioner{rest: rest, log: log}
}

// Resources returns the provisioned resources in declaration order.
func (p *Provisioner) Resources() []Resource {
	return p.resources
}

// BayeuxVersion returns the newest API version used across the
// provisioned resources.
func (p *Provisioner) BayeuxVersion() float64 {
	version := constants.DefaultAPIVersion
	for _, res := range p.resources {
		if res.APIVersion > version {
			version = res.APIVersion
		}
	}
	return version
}

// Provision binds or creates every declared resource. A resource spec
// holding only an Id or a Name refers to an existing record; anything
// richer is a definition to create. Failure is fatal before the pipeline
// starts.
func (p *Provisioner) Provision(ctx context.Context, specs []config.ResourceSpec) error {
	for _, spec := range specs {
		resource, err := p.provisionOne(ctx, spec)
		if err != nil {
			return err
		}
		p.resources = append(p.resources, resource)
		p.log.Infow("Streaming resource ready",
			"type", resource.Type,
			"name", resource.Name,
			"id", resource.ID,
			"durable", resource.Durable,
			"created", resource.Created,
		)
	}
	return nil
}

func (p *Provisioner) provisionOne(ctx context.Context, spec config.ResourceSpec) (Resource, error) {
	resource := Resource{
		Type:       spec.Type,
		APIVersion: apiVersion(spec),
		Durable:    spec.IsDurable(),
	}

	if value, ok := spec.SpecField("Id"); ok && len(spec.Spec) == 1 {
		id, _ := value.(string)
		record, err := p.rest.Get(ctx, spec.Type, id)
		if err != nil {
			return Resource{}, fmt.Errorf("failed to look up %s %s: %w", spec.Type, id, err)
		}
		resource.ID = id
		resource.Name, _ = record["Name"].(string)
		return resource, nil
	}

	var name string
	if value, ok := spec.SpecField("Name"); ok {
		name, _ = value.(string)
	}
	if name == "" {
		return Resource{}, errors.ErrConfiguration.
			WithMessage("%s spec carries neither Id nor Name", spec.Type)
	}
	resource.Name = name

	if len(spec.Spec) == 1 {
		id, err := p.lookupByName(ctx, spec.Type, name)
		if err != nil {
			return Resource{}, err
		}
		if id == "" {
			return Resource{}, fmt.Errorf("%s named %q does not exist", spec.Type, name)
		}
		resource.ID = id
		return resource, nil
	}

	id, err := p.rest.Create(ctx, spec.Type, canonicalSpec(spec))
	if err != nil {
		return Resource{}, fmt.Errorf("failed to create %s %q: %w", spec.Type, name, err)
	}
	resource.ID = id
	resource.Created = true
	return resource, nil
}

// Field names of the sobject types the service provisions. The config
// loader lowercases map keys; Salesforce expects the canonical spelling.
var canonicalFields = map[string][]string{
	config.ResourceTypePushTopic: {
		"Id", "Name", "ApiVersion", "IsActive", "NotifyForFields",
		"Description", "NotifyForOperationCreate", "NotifyForOperationUpdate",
		"NotifyForOperationDelete", "NotifyForOperationUndelete",
		"NotifyForOperations", "Query",
	},
	config.ResourceTypeStreamingChannel: {
		"Id", "Name", "Description",
	},
}

func canonicalSpec(spec config.ResourceSpec) map[string]interface{} {
	known := make(map[string]string, len(canonicalFields[spec.Type]))
	for _, field := range canonicalFields[spec.Type] {
		known[strings.ToLower(field)] = field
	}

	canonical := make(map[string]interface{}, len(spec.Spec))
	for key, value := range spec.Spec {
		if field, ok := known[strings.ToLower(key)]; ok {
			canonical[field] = value
			continue
		}
		canonical[key] = value
	}
	return canonical
}

func (p *Provisioner) lookupByName(ctx context.Context, resourceType, name string) (string, error) {
	soql := fmt.Sprintf("SELECT Id FROM %s WHERE Name = '%s'",
		resourceType, strings.ReplaceAll(name, "'", "\\'"))
	result, err := p.rest.Query(ctx, soql)
	if err != nil {
		return "", fmt.Errorf("failed to look up %s %q: %w", resourceType, name, err)
	}

	records, _ := result["records"].([]interface{})
	if len(records) == 0 {
		return "", nil
	}
	record, _ := records[0].(map[string]interface{})
	id, _ := record["Id"].(string)
	return id, nil
}

// Teardown deletes the resources that are not marked durable, whether this
// service created them or bound to pre-existing records. Failures here are
// logged and swallowed.
func (p *Provisioner) Teardown(ctx context.Context) {
	for _, resource := range p.resources {
		if resource.Durable {
			continue
		}
		if err := p.rest.Delete(ctx, resource.Type, resource.ID); err != nil {
			p.log.Warnw("Failed to delete non-durable streaming resource",
				"type", resource.Type,
				"name", resource.Name,
				"id", resource.ID,
				"error", err,
			)
			continue
		}
		p.log.Infow("Deleted non-durable streaming resource",
			"type", resource.Type,
			"name", resource.Name,
			"id", resource.ID,
		)
	}
}

func apiVersion(spec config.ResourceSpec) float64 {
	value, _ := spec.SpecField("ApiVersion")
	switch v := value.(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		var parsed float64
		if _, err := fmt.Sscanf(v, "%f", &parsed); err == nil {
			return parsed
		}
	}
	return constants.DefaultAPIVersion
}
