package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"boardline/internal/domain"
	"boardline/internal/engine"
	"boardline/internal/reconcile"
	"boardline/internal/repo"
)

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Liveness check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body Health `json:"body"`
	}, error) {
		return &struct {
			Body Health `json:"body"`
		}{Body: Health{Status: "ok"}}, nil
	})
}

func registerStatus(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "boardStatus",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Board counts, stale items and escalations awaiting a human",
		Errors:      []int{401},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.StatusReport `json:"body"`
	}, error) {
		rep, err := e.StatusReport(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.StatusReport `json:"body"`
		}{Body: rep}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "listEvents",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events, newest first",
		Errors:      []int{400, 401},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Cursor     int64  `query:"cursor"`
		Limit      int    `query:"limit"`
	}) (*struct {
		Body EventList `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		evs, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Cursor:     input.Cursor,
			Limit:      limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := EventList{Events: nonNilSlice(evs)}
		if len(evs) == limit {
			out.NextCursor = evs[len(evs)-1].ID
		}
		return &struct {
			Body EventList `json:"body"`
		}{Body: out}, nil
	})
}

func registerActors(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "registerActor",
		Method:        http.MethodPost,
		Path:          "/actors",
		Summary:       "Register or update an actor",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{400, 401, 403},
	}, func(ctx context.Context, input *struct {
		Body ActorCreateRequest `json:"body"`
	}) (*struct {
		Body domain.ActorRef `json:"body"`
	}, error) {
		caller, err := actorIDFromContext(ctx)
		if err != nil {
			return nil, err
		}
		if _, err := e.Actors.Require(ctx, caller, domain.CapOrchestrator); err != nil {
			return nil, handleError(err)
		}
		a, err := e.RegisterActor(ctx, domain.ActorRef{ID: input.Body.ID, Kind: input.Body.Kind, Capabilities: input.Body.Capabilities})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ActorRef `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "listActors",
		Method:      http.MethodGet,
		Path:        "/actors",
		Summary:     "List registered actors",
		Errors:      []int{401},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.ActorRef `json:"body"`
	}, error) {
		actors, err := e.Repo.ListActors(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ActorRef `json:"body"`
		}{Body: nonNilSlice(actors)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "createAPIKey",
		Method:        http.MethodPost,
		Path:          "/actors/{id}/keys",
		Summary:       "Issue an API key; the secret is returned once",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{400, 401, 403, 404},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body APIKeyCreateRequest `json:"body"`
	}) (*struct {
		Body APIKeyCreated `json:"body"`
	}, error) {
		caller, err := actorIDFromContext(ctx)
		if err != nil {
			return nil, err
		}
		if caller != input.ID {
			if _, err := e.Actors.Require(ctx, caller, domain.CapOrchestrator); err != nil {
				return nil, handleError(err)
			}
		}
		key, secret, err := e.CreateAPIKey(ctx, input.ID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyCreated `json:"body"`
		}{Body: APIKeyCreated{Key: key, Secret: secret}}, nil
	})
}

func registerMe(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Show the authenticated actor",
		Errors:      []int{401, 403},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body Me `json:"body"`
	}, error) {
		p, _ := principalFromContext(ctx)
		a, err := e.Actors.Resolve(ctx, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body Me `json:"body"`
		}{Body: Me{Actor: a, Source: p.Source}}, nil
	})
}

func registerReconcile(api huma.API, e *engine.Engine, r *reconcile.Reconciler) {
	huma.Register(api, huma.Operation{
		OperationID: "reconcileBoard",
		Method:      http.MethodPost,
		Path:        "/reconcile",
		Summary:     "Run one reconciliation pass against the tracker",
		Errors:      []int{401, 403},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body reconcile.Report `json:"body"`
	}, error) {
		caller, err := actorIDFromContext(ctx)
		if err != nil {
			return nil, err
		}
		if _, err := e.Actors.Require(ctx, caller, domain.CapOrchestrator); err != nil {
			return nil, handleError(err)
		}
		rep, err := r.RunOnce(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body reconcile.Report `json:"body"`
		}{Body: rep}, nil
	})
}
