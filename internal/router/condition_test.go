package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeCondition(t *testing.T) {
	tests := []struct {
		name string
		expr string
		want string
	}{
		{
			name: "single equals becomes double",
			expr: "$[?(@.org_name = 'org1')]",
			want: `$[?(@.org_name == "org1")]`,
		},
		{
			name: "double equals preserved",
			expr: "$[?(@.org_name == 'org1')]",
			want: `$[?(@.org_name == "org1")]`,
		},
		{
			name: "not equals preserved",
			expr: "$[?(@.count != 3)]",
			want: "$[?(@.count != 3)]",
		},
		{
			name: "comparison operators preserved",
			expr: "$[?(@.a <= 1 & @.b >= 2)]",
			want: "$[?(@.a <= 1 && @.b >= 2)]",
		},
		{
			name: "single ampersand becomes double",
			expr: "$[?(@.a = 1 & @.b = 2)]",
			want: "$[?(@.a == 1 && @.b == 2)]",
		},
		{
			name: "single pipe becomes double",
			expr: "$[?(@.a = 1 | @.b = 2)]",
			want: "$[?(@.a == 1 || @.b == 2)]",
		},
		{
			name: "regex literal",
			expr: "$[?(@.name ~ /^lead_/)]",
			want: `$[?(@.name =~ "^lead_")]`,
		},
		{
			name: "case insensitive regex flag",
			expr: "$[?(@.name ~ /^lead_/i)]",
			want: `$[?(@.name =~ "(?i)^lead_")]`,
		},
		{
			name: "escaped quote inside string",
			expr: `$[?(@.name = 'it\'s')]`,
			want: `$[?(@.name == "it's")]`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalizeCondition(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeConditionErrors(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{name: "unterminated string", expr: "$[?(@.a = 'oops)]"},
		{name: "unterminated regex", expr: "$[?(@.a ~ /oops)]"},
		{name: "missing regex operand", expr: "$[?(@.a ~"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := normalizeCondition(tt.expr)
			assert.Error(t, err)
		})
	}
}

func TestNewConditionRejectsInvalidExpressions(t *testing.T) {
	_, err := NewCondition("$[?(@.a = 'unterminated)]")
	assert.Error(t, err)

	_, err = NewCondition("$[?(]")
	assert.Error(t, err)
}

func TestConditionMatches(t *testing.T) {
	tree := []interface{}{
		map[string]interface{}{
			"org_name": "org1",
			"message": map[string]interface{}{
				"channel": "/topic/lead_changes",
				"data": map[string]interface{}{
					"event": map[string]interface{}{
						"type":     "created",
						"replayId": float64(42),
					},
				},
			},
		},
	}

	tests := []struct {
		name  string
		expr  string
		match bool
	}{
		{
			name:  "matching org name",
			expr:  "$[?(@.org_name = 'org1')]",
			match: true,
		},
		{
			name:  "non matching org name",
			expr:  "$[?(@.org_name = 'org2')]",
			match: false,
		},
		{
			name:  "nested event type",
			expr:  "$[?(@.message.data.event.type = 'created')]",
			match: true,
		},
		{
			name:  "nested event type mismatch",
			expr:  "$[?(@.message.data.event.type = 'deleted')]",
			match: false,
		},
		{
			name:  "numeric comparison",
			expr:  "$[?(@.message.data.event.replayId > 40)]",
			match: true,
		},
		{
			name:  "conjunction",
			expr:  "$[?(@.org_name = 'org1' & @.message.data.event.type = 'created')]",
			match: true,
		},
		{
			name:  "disjunction with one match",
			expr:  "$[?(@.org_name = 'org2' | @.message.data.event.type = 'created')]",
			match: true,
		},
		{
			name:  "regex on channel",
			expr:  "$[?(@.message.channel ~ /^\\/topic\\//)]",
			match: true,
		},
		{
			name:  "path into absent key does not match",
			expr:  "$[?(@.message.data.sobject.Name = 'x')]",
			match: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			condition, err := NewCondition(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.match, condition.Matches(context.Background(), tree))
		})
	}
}
