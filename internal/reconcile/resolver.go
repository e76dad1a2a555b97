package reconcile

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/divvyup/divvy/internal/metrics"
	"github.com/divvyup/divvy/internal/models"
)

// Strategy decides the final value when a locally optimistic version and a
// server-confirmed version diverge for the same entity.
type Strategy string

const (
	// ServerWins discards the local optimistic value unconditionally. It
	// never re-applies after being wiped by a newer confirmed event.
	ServerWins Strategy = "server_wins"

	// ClientWins immediately re-issues the local value as a new optimistic
	// update superseding the server's.
	ClientWins Strategy = "client_wins"

	// Merge performs a field-level merge: fields not touched by the local
	// diff take the server's value; touched fields take the server's value
	// too, except where a merge rule explicitly favors the client.
	Merge Strategy = "merge"

	// Manual defers resolution: both versions are retained and surfaced
	// until an explicit resolving action supplies the final value.
	Manual Strategy = "manual"
)

// Disposition says what the manager should do with a resolver outcome.
type Disposition int

const (
	// ApplyServer replaces the visible value with the server's.
	ApplyServer Disposition = iota
	// Reissue submits the local value again as a fresh optimistic update.
	Reissue
	// ApplyMerged applies the merged value produced by the resolver.
	ApplyMerged
	// Deferred keeps both versions pending an explicit resolution.
	Deferred
)

// ConflictResolution holds both versions of a conflict awaiting manual
// resolution. ResolvedVersion stays nil until a resolving action fills it.
type ConflictResolution struct {
	ID              string            `json:"id"`
	EntityKind      models.EntityType `json:"entityKind"`
	EntityID        string            `json:"entityId"`
	LocalVersion    json.RawMessage   `json:"localVersion"`
	ServerVersion   json.RawMessage   `json:"serverVersion"`
	ResolvedVersion json.RawMessage   `json:"resolvedVersion,omitempty"`
}

// Outcome is the resolver's decision for one conflict.
type Outcome struct {
	Disposition Disposition
	// Merged is set for ApplyMerged.
	Merged json.RawMessage
	// Conflict is set for Deferred.
	Conflict *ConflictResolution
}

// Resolver selects and applies a strategy per entity kind.
type Resolver struct {
	// strategies maps entity kind to strategy; kinds without an entry use
	// ServerWins, the safe default.
	strategies map[models.EntityType]Strategy

	// clientFavored names fields the merge strategy keeps from the client
	// even when both sides touched them — free-text fields are never
	// silently overwritten without one more round.
	clientFavored map[string]bool
}

// NewResolver builds a resolver from a per-kind strategy map.
func NewResolver(strategies map[models.EntityType]Strategy, clientFavoredFields []string) *Resolver {
	favored := make(map[string]bool, len(clientFavoredFields))
	for _, f := range clientFavoredFields {
		favored[f] = true
	}
	return &Resolver{strategies: strategies, clientFavored: favored}
}

// StrategyFor returns the configured strategy for an entity kind.
func (r *Resolver) StrategyFor(kind models.EntityType) Strategy {
	if s, ok := r.strategies[kind]; ok {
		return s
	}
	return ServerWins
}

// Resolve decides the final value for a divergence between the still-pending
// local value (the optimistic diff) and the server-confirmed one.
func (r *Resolver) Resolve(kind models.EntityType, entityID string, local, server json.RawMessage) (Outcome, error) {
	strategy := r.StrategyFor(kind)
	metrics.ConflictsResolved.WithLabelValues(string(strategy)).Inc()

	switch strategy {
	case ServerWins:
		return Outcome{Disposition: ApplyServer}, nil

	case ClientWins:
		return Outcome{Disposition: Reissue}, nil

	case Merge:
		merged, err := r.merge(local, server)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Disposition: ApplyMerged, Merged: merged}, nil

	case Manual:
		return Outcome{
			Disposition: Deferred,
			Conflict: &ConflictResolution{
				ID:            uuid.New().String(),
				EntityKind:    kind,
				EntityID:      entityID,
				LocalVersion:  local,
				ServerVersion: server,
			},
		}, nil

	default:
		return Outcome{}, fmt.Errorf("unknown conflict strategy %q", strategy)
	}
}

// merge starts from the server value and overlays client-favored fields
// from the local diff. Fields the local diff never touched keep the
// server's value by construction.
func (r *Resolver) merge(local, server json.RawMessage) (json.RawMessage, error) {
	var localFields, serverFields map[string]json.RawMessage
	if err := json.Unmarshal(local, &localFields); err != nil {
		return nil, fmt.Errorf("failed to parse local version: %w", err)
	}
	if err := json.Unmarshal(server, &serverFields); err != nil {
		return nil, fmt.Errorf("failed to parse server version: %w", err)
	}

	merged := make(map[string]json.RawMessage, len(serverFields))
	for k, v := range serverFields {
		merged[k] = v
	}
	for k, v := range localFields {
		if !r.clientFavored[k] {
			continue
		}
		if sv, ok := serverFields[k]; ok && bytes.Equal(sv, v) {
			continue
		}
		merged[k] = v
	}
	return json.Marshal(merged)
}
