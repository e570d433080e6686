package streaming

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"rabbitforce/internal/logger"
	"rabbitforce/internal/salesforce"
	"rabbitforce/pkg/errors"
	"rabbitforce/pkg/metrics"
	"rabbitforce/pkg/retry"
)

// State of the Bayeux session.
type State int32

const (
	StateUnconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// ReplayIDFunc yields the replay id to subscribe a channel with. The source
// manager backs this with the replay store and the configured fallback; a
// returned error fails the subscription attempt.
type ReplayIDFunc func(ctx context.Context, channel string) (int64, error)

// reply pairs a parsed Bayeux message with its raw bytes so events can be
// handed downstream without re-encoding artifacts.
type reply struct {
	parsed message
	raw    json.RawMessage
}

// Client is a CometD long-polling client for one Salesforce org. It owns
// its HTTP session and token exclusively; all interaction goes through Run
// and the Messages channel.
type Client struct {
	org      string
	auth     *salesforce.Authenticator
	version  float64
	channels []string
	replayID ReplayIDFunc
	policy   retry.Policy
	log      logger.Logger

	httpClient *http.Client
	messages   chan map[string]interface{}

	clientID string
	msgID    int64
	advice   advice
	// Events that arrived piggybacked on handshake or subscribe replies,
	// delivered before the next long-poll.
	pending []reply
	state   atomic.Int32
}

// controlTimeout bounds handshake, subscribe and disconnect requests.
const controlTimeout = 30 * time.Second

// connectTimeoutGrace is added on top of the server's advised long-poll
// timeout when bounding a single connect request.
const connectTimeoutGrace = 10 * time.Second

// defaultPollTimeout bounds the first connect, before the server has
// advised a timeout.
const defaultPollTimeout = 120 * time.Second

func NewClient(org string, auth *salesforce.Authenticator, version float64, channels []string, replayID ReplayIDFunc, policy retry.Policy, log logger.Logger) *Client {
	return &Client{
		org:      org,
		auth:     auth,
		version:  version,
		channels: channels,
		replayID: replayID,
		policy:   policy,
		log:      log,
		// No client-level timeout: long-polls are bounded per request
		// from the server's advised timeout.
		httpClient: &http.Client{},
		messages:   make(chan map[string]interface{}),
	}
}

// Messages delivers every non-meta message received on any subscribed
// channel, as received. The channel is closed when Run returns.
func (c *Client) Messages() <-chan map[string]interface{} {
	return c.messages
}

func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

// Run drives the session until ctx is cancelled or the session fails
// permanently. It returns nil after a graceful disconnect and the terminal
// error otherwise. The Messages channel is closed on return.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.messages)

	c.setState(StateConnecting)
	if err := c.rehandshake(ctx); err != nil {
		if err = c.recover(ctx, err); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return c.fail(err)
		}
	}
	c.setState(StateConnected)

	for {
		select {
		case <-ctx.Done():
			c.disconnect()
			return nil
		default:
		}

		if err := c.flushPending(ctx); err != nil {
			c.disconnect()
			return nil
		}

		replies, err := c.connect(ctx)
		if err == nil {
			err = c.dispatch(ctx, replies)
		}
		if err != nil {
			if ctx.Err() != nil {
				c.disconnect()
				return nil
			}
			if err = c.recover(ctx, err); err != nil {
				if ctx.Err() != nil {
					c.disconnect()
					return nil
				}
				return c.fail(err)
			}
		}
	}
}

func (c *Client) fail(err error) error {
	c.setState(StateFailed)
	c.log.Errorw("Streaming client failed",
		"org", c.org,
		"error", err,
	)
	return err
}

// recover restores the session after a failed connect. Permanent errors
// pass through; everything else re-handshakes under the backoff budget.
// An unauthorized attempt drops the cached token so the next one
// re-authenticates; rejected credentials surface as a permanent auth error
// and end the retries.
func (c *Client) recover(ctx context.Context, err error) error {
	if errors.IsSourceFatal(err) || !errors.IsRetryable(err) {
		return err
	}
	if errors.HasCode(err, errors.ErrAuth.Code) {
		c.auth.Invalidate()
	}

	c.setState(StateConnecting)
	retryErr := retry.RetryWithCallback(ctx, c.policy, func() error {
		attemptErr := c.rehandshake(ctx)
		if attemptErr != nil && errors.HasCode(attemptErr, errors.ErrAuth.Code) {
			c.auth.Invalidate()
		}
		return attemptErr
	}, func(attempt int, err error, next time.Duration) {
		metrics.SourceReconnectsTotal.WithLabelValues(c.org).Inc()
		c.log.Warnw("Streaming reconnect failed, backing off",
			"org", c.org,
			"attempt", attempt,
			"next_delay", next,
			"error", err,
		)
	})
	if retryErr != nil {
		return retryErr
	}
	c.setState(StateConnected)
	return nil
}

// rehandshake performs a handshake and resubscribes every channel with its
// current replay marker.
func (c *Client) rehandshake(ctx context.Context) error {
	if err := c.handshake(ctx); err != nil {
		return err
	}
	for _, channel := range c.channels {
		if err := c.subscribe(ctx, channel); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) handshake(ctx context.Context) error {
	replies, err := c.post(ctx, controlTimeout, message{
		Channel:                  metaHandshake,
		Version:                  "1.0",
		MinimumVersion:           "1.0",
		SupportedConnectionTypes: []string{"long-polling"},
		Ext:                      map[string]interface{}{"replay": true},
	})
	if err != nil {
		return err
	}

	var acked bool
	for i := range replies {
		msg := &replies[i].parsed
		switch {
		case msg.Channel == metaHandshake:
			if !msg.succeeded() {
				return errors.ErrSourceFatal.WithMessage(
					"handshake rejected for org %s: %s", c.org, msg.Error)
			}
			c.clientID = msg.ClientID
			if msg.Advice != nil {
				c.advice = *msg.Advice
			}
			acked = true
		case !msg.isMeta() && len(msg.Data) > 0:
			c.pending = append(c.pending, replies[i])
		}
	}
	if !acked {
		return errors.ErrSourceTransient.WithMessage(
			"handshake response for org %s carries no handshake reply", c.org)
	}
	c.log.Debugw("Handshake completed",
		"org", c.org,
		"client_id", c.clientID,
	)
	return nil
}

func (c *Client) subscribe(ctx context.Context, channel string) error {
	replayID := ReplayNewEvents
	if c.replayID != nil {
		var err error
		if replayID, err = c.replayID(ctx, channel); err != nil {
			return err
		}
	}

	replies, err := c.post(ctx, controlTimeout, message{
		Channel:      metaSubscribe,
		ClientID:     c.clientID,
		Subscription: channel,
		Ext: map[string]interface{}{
			"replay": map[string]int64{channel: replayID},
		},
	})
	if err != nil {
		return err
	}

	var acked bool
	for i := range replies {
		msg := &replies[i].parsed
		switch {
		case msg.Channel == metaSubscribe && msg.Subscription == channel:
			if !msg.succeeded() {
				return errors.ErrSourceFatal.WithMessage(
					"subscription to %s rejected for org %s: %s",
					channel, c.org, msg.Error)
			}
			acked = true
		case !msg.isMeta() && len(msg.Data) > 0:
			c.pending = append(c.pending, replies[i])
		}
	}
	if !acked {
		return errors.ErrSourceTransient.WithMessage(
			"subscribe response for %s carries no subscribe reply", channel)
	}
	c.log.Debugw("Subscribed",
		"org", c.org,
		"channel", channel,
		"replay_id", replayID,
	)
	return nil
}

func (c *Client) flushPending(ctx context.Context) error {
	if len(c.pending) == 0 {
		return nil
	}
	pending := c.pending
	c.pending = nil
	return c.dispatch(ctx, pending)
}

// connect issues one long-poll. The server parks the request until events
// arrive or its advised timeout expires.
func (c *Client) connect(ctx context.Context) ([]reply, error) {
	pollTimeout := defaultPollTimeout
	if c.advice.Timeout > 0 {
		pollTimeout = time.Duration(c.advice.Timeout)*time.Millisecond + connectTimeoutGrace
	}
	if c.advice.Interval > 0 {
		interval := time.Duration(c.advice.Interval) * time.Millisecond
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return c.post(ctx, pollTimeout, message{
		Channel:        metaConnect,
		ClientID:       c.clientID,
		ConnectionType: "long-polling",
	})
}

// dispatch routes one batch of replies: connect acknowledgments update the
// advice, everything non-meta is delivered downstream.
func (c *Client) dispatch(ctx context.Context, replies []reply) error {
	for i := range replies {
		msg := &replies[i].parsed

		if !msg.isMeta() {
			if len(msg.Data) == 0 {
				continue
			}
			received, err := msg.asReceived(replies[i].raw)
			if err != nil {
				c.log.Warnw("Discarding undecodable event",
					"org", c.org,
					"channel", msg.Channel,
					"error", err,
				)
				continue
			}
			select {
			case c.messages <- received:
				metrics.SourceMessagesTotal.WithLabelValues(c.org).Inc()
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		if msg.Channel != metaConnect {
			continue
		}
		if msg.Advice != nil {
			c.advice = *msg.Advice
		}
		if msg.succeeded() {
			continue
		}

		reconnect := adviceRetry
		if msg.Advice != nil && msg.Advice.Reconnect != "" {
			reconnect = msg.Advice.Reconnect
		}
		switch reconnect {
		case adviceNone:
			return errors.ErrSourceFatal.WithMessage(
				"server advised no reconnect for org %s: %s", c.org, msg.Error)
		case adviceHandshake:
			c.clientID = ""
			return errors.ErrSourceTransient.WithMessage(
				"server advised rehandshake for org %s: %s", c.org, msg.Error)
		default:
			return errors.ErrSourceTransient.WithMessage(
				"connect failed for org %s: %s", c.org, msg.Error)
		}
	}
	return nil
}

// disconnect best-effort unsubscribes and ends the session. It runs with
// its own short deadline because the caller's context is already done.
func (c *Client) disconnect() {
	c.setState(StateDisconnecting)
	defer c.setState(StateDisconnected)
	defer c.httpClient.CloseIdleConnections()

	if c.clientID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, channel := range c.channels {
		_, err := c.post(ctx, controlTimeout, message{
			Channel:      metaUnsubscribe,
			ClientID:     c.clientID,
			Subscription: channel,
		})
		if err != nil {
			c.log.Debugw("Unsubscribe failed during shutdown",
				"org", c.org,
				"channel", channel,
				"error", err,
			)
		}
	}
	if _, err := c.post(ctx, controlTimeout, message{
		Channel:  metaDisconnect,
		ClientID: c.clientID,
	}); err != nil {
		c.log.Debugw("Disconnect failed during shutdown",
			"org", c.org,
			"error", err,
		)
	}
}

func (c *Client) post(ctx context.Context, timeout time.Duration, msg message) ([]reply, error) {
	token, err := c.auth.Token(ctx)
	if err != nil {
		return nil, err
	}

	msg.ID = strconv.FormatInt(atomic.AddInt64(&c.msgID, 1), 10)
	payload, err := json.Marshal([]message{msg})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize bayeux message: %w", err)
	}

	endpoint := fmt.Sprintf("%s/cometd/%.1f", token.InstanceURL, c.version)
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build bayeux request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", token.AuthorizationHeader())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.ErrSourceTransient.
			WithMessage("bayeux request for org %s failed", c.org).
			WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.ErrSourceTransient.
			WithMessage("failed to read bayeux response for org %s", c.org).
			WithCause(err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, errors.ErrAuth.
			WithMessage("bayeux request for org %s unauthorized", c.org).
			AsRetryable()
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, errors.ErrSourceTransient.WithMessage(
			"bayeux endpoint for org %s returned status %d", c.org, resp.StatusCode)
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, errors.ErrSourceFatal.WithMessage(
			"bayeux endpoint for org %s returned status %d", c.org, resp.StatusCode)
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, errors.ErrSourceTransient.
			WithMessage("malformed bayeux response for org %s", c.org).
			WithCause(err)
	}

	replies := make([]reply, 0, len(raws))
	for _, raw := range raws {
		var parsed message
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return nil, errors.ErrSourceTransient.
				WithMessage("malformed bayeux message for org %s", c.org).
				WithCause(err)
		}
		replies = append(replies, reply{parsed: parsed, raw: raw})
	}
	return replies, nil
}
