package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"suasflow/internal/compliance"
	"suasflow/internal/db"
	"suasflow/internal/domain"
	"suasflow/internal/engine"
	"suasflow/internal/repo"
)

type referralPath struct {
	ID string `path:"id"`
}

type referralBody struct {
	Body ReferralResponse `json:"body"`
}

func registerReferrals(api huma.API, cfg Config) {
	e := cfg.Referrals

	huma.Register(api, huma.Operation{
		OperationID:   "create-referral",
		Method:        http.MethodPost,
		Path:          "/referrals",
		Summary:       "Create referral",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateReferralRequest `json:"body"`
	}) (*referralBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		scope, authErr := scopeFromContext(ctx, cfg.MunicipalityID)
		if authErr != nil {
			return nil, authErr
		}
		if scope.UnitID == "" {
			scope.UnitID = stringOrEmpty(input.Body.UnitID)
		} else if input.Body.UnitID != nil && *input.Body.UnitID != scope.UnitID {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unit_id outside caller scope", map[string]any{"field": "unit_id"})
		}
		ref, err := e.CreateReferral(ctx, engine.ReferralCreateOptions{
			ID:              stringOrEmpty(input.Body.ID),
			Scope:           scope,
			SubjectID:       stringOrEmpty(input.Body.SubjectID),
			Territory:       stringOrEmpty(input.Body.Territory),
			DestinationType: domain.DestinationType(input.Body.DestinationType),
			DestinationName: input.Body.DestinationName,
			Reason:          input.Body.Reason,
			DeadlineDays:    input.Body.DeadlineDays,
			ActorID:         actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &referralBody{Body: referralResponse(engine.Facts(ref, cfg.now()))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-referrals",
		Method:      http.MethodGet,
		Path:        "/referrals",
		Summary:     "List referrals",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Status          string `query:"status" doc:"Comma separated statuses"`
		DestinationType string `query:"destination_type"`
		Destination     string `query:"destination"`
		SubjectID       string `query:"subject_id"`
		Limit           int    `query:"limit"`
		Cursor          string `query:"cursor"`
	}) (*struct {
		Body ReferralListResponse `json:"body"`
	}, error) {
		scope, authErr := scopeFromContext(ctx, cfg.MunicipalityID)
		if authErr != nil {
			return nil, authErr
		}
		f := repo.ReferralFilters{
			Scope:           scope,
			DestinationType: domain.DestinationType(input.DestinationType),
			Destination:     input.Destination,
			SubjectID:       input.SubjectID,
			Limit:           normalizeLimit(input.Limit),
		}
		for _, s := range strings.Split(input.Status, ",") {
			if s = strings.TrimSpace(s); s == "" {
				continue
			}
			st, err := domain.ParseReferralStatus(s)
			if err != nil {
				return nil, handleError(err)
			}
			f.Statuses = append(f.Statuses, st)
		}
		ts, id, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": "cursor"})
		}
		f.CursorCreatedAt, f.CursorID = ts, id
		refs, err := e.ListReferrals(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		reminders, err := cfg.Repo.ReminderCounts(ctx, scope)
		if err != nil {
			return nil, handleError(err)
		}
		now := cfg.now()
		out := ReferralListResponse{Items: make([]ReferralResponse, 0, len(refs))}
		for _, r := range refs {
			facts := engine.Facts(r, now)
			facts.Reminders = reminders[r.ID]
			out.Items = append(out.Items, referralResponse(facts))
		}
		if len(refs) == f.Limit {
			last := refs[len(refs)-1]
			out.NextCursor = composeCursor(db.FormatTime(last.CreatedAt), last.ID)
		}
		return &struct {
			Body ReferralListResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-referral",
		Method:      http.MethodGet,
		Path:        "/referrals/{id}",
		Summary:     "Get referral",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *referralPath) (*referralBody, error) {
		scope, authErr := scopeFromContext(ctx, cfg.MunicipalityID)
		if authErr != nil {
			return nil, authErr
		}
		ref, err := e.GetReferral(ctx, scope, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		facts := engine.Facts(ref, cfg.now())
		log, err := e.ReferralLog(ctx, scope, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		for _, entry := range log {
			if entry.Kind == domain.LogReminder {
				facts.Reminders++
			}
		}
		return &referralBody{Body: referralResponse(facts)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "referral-log",
		Method:      http.MethodGet,
		Path:        "/referrals/{id}/log",
		Summary:     "Referral history",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *referralPath) (*struct {
		Body ReferralLogResponse `json:"body"`
	}, error) {
		scope, authErr := scopeFromContext(ctx, cfg.MunicipalityID)
		if authErr != nil {
			return nil, authErr
		}
		entries, err := e.ReferralLog(ctx, scope, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if entries == nil {
			entries = []domain.ReferralLogEntry{}
		}
		return &struct {
			Body ReferralLogResponse `json:"body"`
		}{Body: ReferralLogResponse{Items: entries}}, nil
	})

	registerTransition(api, cfg, "advance-referral", "/referrals/{id}/advance", "Advance referral to its next status", e.Advance)
	registerTransition(api, cfg, "referral-feedback", "/referrals/{id}/feedback", "Record destination feedback", e.RecordFeedback)
	registerTransition(api, cfg, "cancel-referral", "/referrals/{id}/cancel", "Cancel referral", e.Cancel)

	huma.Register(api, huma.Operation{
		OperationID:   "remind-referral",
		Method:        http.MethodPost,
		Path:          "/referrals/{id}/reminders",
		Summary:       "Log a reminder sent to the destination",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body TransitionRequest `json:"body" required:"false"`
	}) (*struct {
		Body domain.ReferralLogEntry `json:"body"`
	}, error) {
		in, authErr := transitionInput(ctx, cfg, input.ID, input.Body.Detail)
		if authErr != nil {
			return nil, authErr
		}
		entry, err := e.Remind(ctx, in)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ReferralLogEntry `json:"body"`
		}{Body: entry}, nil
	})
}

type transitionFunc func(ctx context.Context, in engine.TransitionInput) (domain.Referral, error)

func registerTransition(api huma.API, cfg Config, id, route, summary string, apply transitionFunc) {
	huma.Register(api, huma.Operation{
		OperationID: id,
		Method:      http.MethodPost,
		Path:        route,
		Summary:     summary,
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body TransitionRequest `json:"body" required:"false"`
	}) (*referralBody, error) {
		in, authErr := transitionInput(ctx, cfg, input.ID, input.Body.Detail)
		if authErr != nil {
			return nil, authErr
		}
		ref, err := apply(ctx, in)
		if err != nil {
			return nil, handleError(err)
		}
		return &referralBody{Body: referralResponse(engine.Facts(ref, cfg.now()))}, nil
	})
}

func transitionInput(ctx context.Context, cfg Config, id, detail string) (engine.TransitionInput, huma.StatusError) {
	actorID, authErr := actorIDFromContext(ctx)
	if authErr != nil {
		return engine.TransitionInput{}, authErr
	}
	scope, authErr := scopeFromContext(ctx, cfg.MunicipalityID)
	if authErr != nil {
		return engine.TransitionInput{}, authErr
	}
	return engine.TransitionInput{ID: id, Scope: scope, Detail: detail, ActorID: actorID}, nil
}

func registerOverdue(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "overdue-referrals",
		Method:      http.MethodGet,
		Path:        "/referrals/overdue",
		Summary:     "Referrals awaiting feedback past their deadline",
		Errors:      []int{http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		DestinationType string `query:"destination_type"`
		Destination     string `query:"destination"`
		WithinHours     int    `query:"within_hours" doc:"Also list referrals due within this many hours"`
	}) (*struct {
		Body OverdueResponse `json:"body"`
	}, error) {
		scope, authErr := scopeFromContext(ctx, cfg.MunicipalityID)
		if authErr != nil {
			return nil, authErr
		}
		items, err := cfg.Referrals.ListOverdue(ctx, engine.OverdueFilters{
			Scope:           scope,
			DestinationType: domain.DestinationType(input.DestinationType),
			Destination:     input.Destination,
			WithinHours:     input.WithinHours,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OverdueResponse `json:"body"`
		}{Body: OverdueResponse{Items: mapFacts(items)}}, nil
	})
}

func registerCompliance(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "compliance-ranking",
		Method:      http.MethodGet,
		Path:        "/compliance/ranking",
		Summary:     "Rank destinations, units or territories by feedback compliance",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		GroupBy string `query:"group_by" doc:"destination, unit or territory; defaults to destination"`
		Top     int    `query:"top"`
	}) (*struct {
		Body compliance.Report `json:"body"`
	}, error) {
		scope, authErr := scopeFromContext(ctx, cfg.MunicipalityID)
		if authErr != nil {
			return nil, authErr
		}
		report, err := cfg.Referrals.Compliance(ctx, scope, input.GroupBy, input.Top)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body compliance.Report `json:"body"`
		}{Body: report}, nil
	})
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
