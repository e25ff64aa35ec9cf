// Package gateway receives external webhook events, authenticates them
// against their registered source, validates payloads against the source's
// JSON schema, filters duplicates through an idempotency store, and
// publishes accepted events with the external.webhook. prefix. Trigger
// dispatch happens through a hook wired at composition time.
package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/tentackl/tentackl/runtime/task"
	"github.com/tentackl/tentackl/runtime/task/bus"
	"github.com/tentackl/tentackl/runtime/task/telemetry"
)

// EventPrefix is prepended to every accepted external event type.
const EventPrefix = "external.webhook."

// IdempotencyTTL bounds how long a processed event key blocks duplicates.
const IdempotencyTTL = 5 * time.Minute

// Authentication types for registered sources.
const (
	AuthAPIKey = "api_key"
	AuthBearer = "bearer"
	AuthHMAC   = "hmac"
)

// Request headers consulted by the gateway.
const (
	HeaderAPIKey         = "X-Api-Key"
	HeaderAuthorization  = "Authorization"
	HeaderSignature      = "X-Signature"
	HeaderIdempotencyKey = "Idempotency-Key"
)

type (
	// Source is one registered external event source.
	Source struct {
		// ID is the source identifier referenced by webhook URLs.
		ID string `json:"id" bson:"_id"`
		// OrgID scopes the source to one tenant.
		OrgID string `json:"org_id" bson:"org_id"`
		// AuthType is one of the Auth* constants.
		AuthType string `json:"auth_type" bson:"auth_type"`
		// Secret is the shared credential for the auth type.
		Secret string `json:"secret" bson:"secret"`
		// Schema is the JSON schema events must satisfy. Empty skips
		// validation.
		Schema json.RawMessage `json:"schema,omitempty" bson:"schema,omitempty"`
	}

	// SourceStore resolves source registrations.
	SourceStore interface {
		// GetSource returns the registered source.
		GetSource(ctx context.Context, id string) (*Source, error)
	}

	// IdempotencyStore deduplicates processed events.
	IdempotencyStore interface {
		// Seen records the key with the TTL and reports whether it was
		// already present.
		Seen(ctx context.Context, key string, ttl time.Duration) (bool, error)
	}

	// DispatchFunc routes an accepted event to trigger matching. Wired to
	// the runtime's clone-for-trigger use-case.
	DispatchFunc func(ctx context.Context, orgID, eventType, sourceID string, payload map[string]any) error

	// Receipt reports what the gateway did with an event.
	Receipt struct {
		// EventType is the prefixed published type.
		EventType string `json:"event_type"`
		// IdempotencyKey is the dedup key used.
		IdempotencyKey string `json:"idempotency_key"`
		// Duplicate reports that the event was dropped as already seen.
		Duplicate bool `json:"duplicate"`
	}

	// Options configures the gateway.
	Options struct {
		Sources     SourceStore
		Idempotency IdempotencyStore
		Bus         bus.Bus
		Dispatch    DispatchFunc
		Logger      telemetry.Logger
	}

	// Gateway handles external events.
	Gateway struct {
		sources     SourceStore
		idempotency IdempotencyStore
		bus         bus.Bus
		dispatch    DispatchFunc
		logger      telemetry.Logger

		mu       sync.Mutex
		compiled map[string]*jsonschema.Schema
	}
)

// New constructs the gateway.
func New(opts Options) (*Gateway, error) {
	if opts.Sources == nil || opts.Idempotency == nil {
		return nil, fmt.Errorf("gateway: source and idempotency stores are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Gateway{
		sources:     opts.Sources,
		idempotency: opts.Idempotency,
		bus:         opts.Bus,
		dispatch:    opts.Dispatch,
		logger:      logger,
		compiled:    make(map[string]*jsonschema.Schema),
	}, nil
}

// SetDispatch wires the trigger dispatch hook after construction.
func (g *Gateway) SetDispatch(fn DispatchFunc) { g.dispatch = fn }

// HandleEvent processes one incoming webhook delivery.
func (g *Gateway) HandleEvent(ctx context.Context, sourceID string, headers map[string]string, body []byte) (*Receipt, error) {
	src, err := g.sources.GetSource(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if err := authenticate(src, headers, body); err != nil {
		return nil, err
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, task.WrapError(task.KindValidation, "event body is not a JSON object", err)
	}
	if err := g.validatePayload(src, body); err != nil {
		return nil, err
	}

	eventType, _ := payload["type"].(string)
	if eventType == "" {
		eventType, _ = payload["event"].(string)
	}
	if eventType == "" {
		return nil, task.Errorf(task.KindValidation, "event from source %s carries no type field", sourceID)
	}
	prefixed := EventPrefix + eventType

	key := headers[HeaderIdempotencyKey]
	if key == "" {
		key = IdempotencyKey(sourceID, body)
	}
	dup, err := g.idempotency.Seen(ctx, key, IdempotencyTTL)
	if err != nil {
		return nil, err
	}
	if dup {
		g.logger.Debug(ctx, "duplicate event dropped", "source_id", sourceID, "idempotency_key", key)
		return &Receipt{EventType: prefixed, IdempotencyKey: key, Duplicate: true}, nil
	}

	if g.bus != nil {
		ev := bus.Event{
			Type:      prefixed,
			Timestamp: time.Now().UTC(),
			Payload:   payload,
		}
		if err := g.bus.Publish(ctx, ev); err != nil {
			g.logger.Warn(ctx, "event publish failed", "source_id", sourceID, "event_type", prefixed, "err", err)
		}
	}
	if g.dispatch != nil {
		if err := g.dispatch(ctx, src.OrgID, prefixed, sourceID, payload); err != nil {
			g.logger.Error(ctx, "trigger dispatch failed", "source_id", sourceID, "event_type", prefixed, "err", err)
		}
	}
	return &Receipt{EventType: prefixed, IdempotencyKey: key, Duplicate: false}, nil
}

// IdempotencyKey derives the default dedup key: SHA-256 over the source id
// concatenated with the raw body.
func IdempotencyKey(sourceID string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(sourceID))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// authenticate checks the delivery credentials against the source.
func authenticate(src *Source, headers map[string]string, body []byte) error {
	switch src.AuthType {
	case AuthAPIKey:
		if subtle.ConstantTimeCompare([]byte(headers[HeaderAPIKey]), []byte(src.Secret)) == 1 {
			return nil
		}
	case AuthBearer:
		token := strings.TrimPrefix(headers[HeaderAuthorization], "Bearer ")
		if token != headers[HeaderAuthorization] &&
			subtle.ConstantTimeCompare([]byte(token), []byte(src.Secret)) == 1 {
			return nil
		}
	case AuthHMAC:
		mac := hmac.New(sha256.New, []byte(src.Secret))
		mac.Write(body)
		want := hex.EncodeToString(mac.Sum(nil))
		got := strings.TrimPrefix(headers[HeaderSignature], "sha256=")
		if hmac.Equal([]byte(want), []byte(got)) {
			return nil
		}
	default:
		return task.Errorf(task.KindValidation, "source %s has unknown auth type %q", src.ID, src.AuthType)
	}
	return task.Errorf(task.KindForbidden, "authentication failed for source %s", src.ID)
}

// validatePayload checks the body against the source's compiled schema.
func (g *Gateway) validatePayload(src *Source, body []byte) error {
	if len(src.Schema) == 0 {
		return nil
	}
	schema, err := g.schemaFor(src)
	if err != nil {
		return err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return task.WrapError(task.KindValidation, "event body is not valid JSON", err)
	}
	if err := schema.Validate(doc); err != nil {
		return task.WrapError(task.KindValidation,
			fmt.Sprintf("event from source %s fails schema validation", src.ID), err)
	}
	return nil
}

// schemaFor compiles and caches the source's schema.
func (g *Gateway) schemaFor(src *Source) (*jsonschema.Schema, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.compiled[src.ID]; ok {
		return s, nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(src.Schema))
	if err != nil {
		return nil, task.WrapError(task.KindValidation, "malformed source schema", err)
	}
	compiler := jsonschema.NewCompiler()
	url := "tentackl://sources/" + src.ID + ".json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, task.WrapError(task.KindValidation, "malformed source schema", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, task.WrapError(task.KindValidation, "malformed source schema", err)
	}
	g.compiled[src.ID] = schema
	return schema, nil
}
