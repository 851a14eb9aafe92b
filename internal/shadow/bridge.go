// Package shadow wraps the device shadow service.
//
// A shadow has two independently owned halves: desired (written by user commands)
// and reported (written when the device acknowledges). Bridge never merges them and
// only submits the fields its caller names, so a pump write cannot clobber a desired
// auto value. The service gives no ordering between a desired write and the next
// read: GetCurrent right after SetDesired may still show the old reported state.
package shadow

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/markus-barta/irrigo/internal/metrics"
	"github.com/rs/zerolog"
)

// Upstream failures. Callers can only tell the user the command did not take
// effect, so subtypes are not distinguished.
var (
	ErrUpdateShadow = errors.New("Failed to update device shadow")
	ErrGetShadow    = errors.New("Failed to get device shadow")
)

// PartialState is a sparse set of shadow fields. Nil fields are absent.
type PartialState struct {
	Auto      *bool `json:"auto,omitempty"`
	Pump      *bool `json:"pump,omitempty"`
	Connected *bool `json:"connected,omitempty"`
}

// Bool returns a pointer to v, for building a PartialState.
func Bool(v bool) *bool { return &v }

// State is a joined snapshot of both halves.
type State struct {
	Desired  PartialState  `json:"desired"`
	Reported *PartialState `json:"reported,omitempty"`
}

// document is the service's envelope around State.
type document struct {
	State State `json:"state"`
}

// Bridge is the typed interface to the shadow service.
type Bridge struct {
	log     zerolog.Logger
	service Service
}

// NewBridge creates a Bridge over svc.
func NewBridge(log zerolog.Logger, svc Service) *Bridge {
	return &Bridge{
		log:     log.With().Str("component", "shadow").Logger(),
		service: svc,
	}
}

// SetDesired writes desired (and reported, when given) and returns the echoed state.
func (b *Bridge) SetDesired(ctx context.Context, thingName string, desired PartialState, reported *PartialState) (*State, error) {
	state, err := b.setDesired(ctx, thingName, desired, reported)
	metrics.ShadowRequestsTotal.WithLabelValues("update", metrics.Result(err)).Inc()
	return state, err
}

func (b *Bridge) setDesired(ctx context.Context, thingName string, desired PartialState, reported *PartialState) (*State, error) {
	doc := document{State: State{Desired: desired, Reported: reported}}

	payload, err := json.Marshal(doc)
	if err != nil {
		b.log.Error().Err(err).Str("thing", thingName).Msg("failed to encode shadow update")
		return nil, ErrUpdateShadow
	}

	body, err := b.service.UpdateShadow(ctx, thingName, payload)
	if err != nil {
		b.log.Error().Err(err).Str("thing", thingName).Msg("shadow update failed")
		return nil, ErrUpdateShadow
	}

	state, err := parse(body)
	if err != nil {
		b.log.Error().Err(err).Str("thing", thingName).Msg("failed to parse shadow update response")
		return nil, ErrUpdateShadow
	}

	b.log.Debug().Str("thing", thingName).RawJSON("payload", payload).Msg("shadow updated")
	return state, nil
}

// GetCurrent reads the joined shadow state.
func (b *Bridge) GetCurrent(ctx context.Context, thingName string) (*State, error) {
	state, err := b.getCurrent(ctx, thingName)
	metrics.ShadowRequestsTotal.WithLabelValues("get", metrics.Result(err)).Inc()
	return state, err
}

func (b *Bridge) getCurrent(ctx context.Context, thingName string) (*State, error) {
	body, err := b.service.GetShadow(ctx, thingName)
	if err != nil {
		b.log.Error().Err(err).Str("thing", thingName).Msg("shadow get failed")
		return nil, ErrGetShadow
	}

	state, err := parse(body)
	if err != nil {
		b.log.Error().Err(err).Str("thing", thingName).Msg("failed to parse shadow")
		return nil, ErrGetShadow
	}
	return state, nil
}

func parse(body []byte) (*State, error) {
	var doc document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	return &doc.State, nil
}
