package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"boardline/internal/domain"
	"boardline/internal/engine"
	"boardline/internal/workflow"
)

func registerItems(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "createItem",
		Method:        http.MethodPost,
		Path:          "/items",
		Summary:       "Create a work item in backlog",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{400, 401, 403},
	}, func(ctx context.Context, input *struct {
		Body ItemCreateRequest `json:"body"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		actorID, err := actorIDFromContext(ctx)
		if err != nil {
			return nil, err
		}
		it, err := e.CreateItem(ctx, engine.CreateItemOptions{
			ID:                 input.Body.ID,
			Title:              input.Body.Title,
			AcceptanceCriteria: input.Body.AcceptanceCriteria,
			Size:               input.Body.Size,
			Assignees:          input.Body.Assignees,
			ActorID:            actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "listItems",
		Method:      http.MethodGet,
		Path:        "/items",
		Summary:     "List items by status",
		Errors:      []int{400, 401},
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status" doc:"Comma separated statuses"`
		Assignee string `query:"assignee"`
		Cursor   string `query:"cursor"`
		Limit    int    `query:"limit"`
	}) (*struct {
		Body ItemList `json:"body"`
	}, error) {
		var statuses []domain.Status
		for _, raw := range strings.Split(input.Status, ",") {
			if strings.TrimSpace(raw) == "" {
				continue
			}
			s, err := domain.ParseStatus(raw)
			if err != nil {
				return nil, handleError(engine.InputError{Msg: err.Error()})
			}
			statuses = append(statuses, s)
		}
		limit := normalizeLimit(input.Limit)
		items, err := e.ListItemsByStatus(ctx, statuses, input.Assignee, input.Cursor, limit)
		if err != nil {
			return nil, handleError(err)
		}
		out := ItemList{Items: nonNilSlice(items)}
		if len(items) == limit {
			out.NextCursor = items[len(items)-1].ID
		}
		return &struct {
			Body ItemList `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "getItem",
		Method:      http.MethodGet,
		Path:        "/items/{id}",
		Summary:     "Get an item",
		Errors:      []int{400, 401, 404},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		id, err := itemID(input.ID)
		if err != nil {
			return nil, err
		}
		it, err := e.QueryItem(ctx, id)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "getItemTransitions",
		Method:      http.MethodGet,
		Path:        "/items/{id}/transitions",
		Summary:     "List legal target statuses",
		Errors:      []int{400, 401, 404},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ItemTransitions `json:"body"`
	}, error) {
		id, err := itemID(input.ID)
		if err != nil {
			return nil, err
		}
		it, legal, canBlock, err := e.Transitions(ctx, id)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ItemTransitions `json:"body"`
		}{Body: ItemTransitions{Item: it, Legal: nonNilSlice(legal), CanBlock: canBlock}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "requestTransition",
		Method:      http.MethodPost,
		Path:        "/items/{id}/transitions",
		Summary:     "Request a status transition",
		Errors:      []int{400, 401, 403, 404, 409, 422, 503},
	}, func(ctx context.Context, input *struct {
		ID   string                  `path:"id"`
		Body TransitionCreateRequest `json:"body"`
	}) (*struct {
		Body engine.TransitionResult `json:"body"`
	}, error) {
		actorID, err := actorIDFromContext(ctx)
		if err != nil {
			return nil, err
		}
		id, err := itemID(input.ID)
		if err != nil {
			return nil, err
		}
		res, err := e.RequestTransition(ctx, engine.TransitionRequest{
			ItemID:          id,
			ExpectedVersion: input.Body.ExpectedVersion,
			To:              input.Body.To,
			ActorID:         actorID,
			Payload:         input.Body.payload(),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.TransitionResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "getItemRoute",
		Method:      http.MethodGet,
		Path:        "/items/{id}/route",
		Summary:     "Show where an approval from AI review routes",
		Errors:      []int{400, 401, 404, 422},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body RouteResponse `json:"body"`
	}, error) {
		id, err := itemID(input.ID)
		if err != nil {
			return nil, err
		}
		it, err := e.QueryItem(ctx, id)
		if err != nil {
			return nil, handleError(err)
		}
		to, err := workflow.Route(it)
		if err != nil {
			return nil, newAPIError(http.StatusUnprocessableEntity, workflow.CodePreconditionFailed, err.Error(), nil)
		}
		return &struct {
			Body RouteResponse `json:"body"`
		}{Body: RouteResponse{ItemID: it.ID, Size: it.Size, Route: to}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "getItemHistory",
		Method:      http.MethodGet,
		Path:        "/items/{id}/history",
		Summary:     "List transition records",
		Errors:      []int{400, 401, 404},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []domain.TransitionRecord `json:"body"`
	}, error) {
		id, err := itemID(input.ID)
		if err != nil {
			return nil, err
		}
		recs, err := e.History(ctx, id)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.TransitionRecord `json:"body"`
		}{Body: nonNilSlice(recs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "listItemNotifications",
		Method:      http.MethodGet,
		Path:        "/items/{id}/notifications",
		Summary:     "List notifications and their delivery state",
		Errors:      []int{400, 401, 404},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []domain.Notification `json:"body"`
	}, error) {
		id, err := itemID(input.ID)
		if err != nil {
			return nil, err
		}
		ns, err := e.Notifications(ctx, id)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Notification `json:"body"`
		}{Body: nonNilSlice(ns)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assignItem",
		Method:      http.MethodPut,
		Path:        "/items/{id}/assignees",
		Summary:     "Replace the assignee list",
		Errors:      []int{400, 401, 403, 404, 409, 503},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body AssignRequest `json:"body"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		actorID, err := actorIDFromContext(ctx)
		if err != nil {
			return nil, err
		}
		id, err := itemID(input.ID)
		if err != nil {
			return nil, err
		}
		it, err := e.AssignItem(ctx, id, input.Body.ExpectedVersion, actorID, input.Body.Assignees)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: it}, nil
	})
}

func registerBlockers(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "listBlockers",
		Method:      http.MethodGet,
		Path:        "/items/{id}/blockers",
		Summary:     "List current and past blockers",
		Errors:      []int{400, 401, 404},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []domain.Blocker `json:"body"`
	}, error) {
		id, err := itemID(input.ID)
		if err != nil {
			return nil, err
		}
		bs, err := e.Blockers(ctx, id)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Blocker `json:"body"`
		}{Body: nonNilSlice(bs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reportBlocker",
		Method:      http.MethodPost,
		Path:        "/items/{id}/blocker",
		Summary:     "Block an item and start escalation",
		Errors:      []int{400, 401, 403, 404, 409, 422, 503},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body BlockerReportRequest `json:"body"`
	}) (*struct {
		Body engine.TransitionResult `json:"body"`
	}, error) {
		actorID, err := actorIDFromContext(ctx)
		if err != nil {
			return nil, err
		}
		id, err := itemID(input.ID)
		if err != nil {
			return nil, err
		}
		res, err := e.ReportBlocker(ctx, id, input.Body.ExpectedVersion, actorID, workflow.BlockerInput{
			Reason:       input.Body.Reason,
			Category:     input.Body.Category,
			LinkedItemID: input.Body.LinkedItemID,
		}, input.Body.Comment)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.TransitionResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolveBlocker",
		Method:      http.MethodPost,
		Path:        "/items/{id}/blocker/resolve",
		Summary:     "Resolve the active blocker",
		Errors:      []int{400, 401, 403, 404, 409, 422, 503},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body BlockerResolveRequest `json:"body"`
	}) (*struct {
		Body engine.ResolveResult `json:"body"`
	}, error) {
		actorID, err := actorIDFromContext(ctx)
		if err != nil {
			return nil, err
		}
		id, err := itemID(input.ID)
		if err != nil {
			return nil, err
		}
		res, err := e.ResolveBlocker(ctx, engine.ResolveRequest{
			ItemID:          id,
			ExpectedVersion: input.Body.ExpectedVersion,
			ActorID:         actorID,
			Resolution:      input.Body.Resolution,
			NewBlocker:      input.Body.NewBlocker,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ResolveResult `json:"body"`
		}{Body: res}, nil
	})
}
