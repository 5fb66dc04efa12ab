// Package server exposes the node's HTTP API. Agents and peer nodes share
// one surface; federation endpoints authenticate with peer tokens, everything
// else with agent credentials.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"taskmesh/internal/dialog"
	"taskmesh/internal/domain"
	"taskmesh/internal/engine"
	"taskmesh/internal/federation"
	"taskmesh/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine       engine.Engine
	Orchestrator dialog.Orchestrator
	Gateway      *federation.Gateway
	Auth         AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"task already claimed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the node API.
func New(cfg Config) (http.Handler, error) {
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Taskmesh API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)

	registerDocs(router)
	registerHealth(api)
	registerTasks(api, cfg.Engine, cfg.Orchestrator)
	registerAgents(api, cfg.Engine)
	registerDialogs(api, cfg.Orchestrator)
	registerEvents(api, cfg.Engine)
	registerFederation(api, cfg.Gateway)
	registerOpenAPI(router, api)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps the core's error kinds onto status codes. Claim races and
// merge redirects surface as 409, trust and chain violations as 403.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, domain.ErrSignatureInvalid):
		return newAPIError(http.StatusForbidden, "signature_invalid", err.Error(), nil)
	case errors.Is(err, domain.ErrForbidden):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	case errors.Is(err, domain.ErrValidation):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), nil)
	case errors.Is(err, domain.ErrTimeout):
		return newAPIError(http.StatusGatewayTimeout, "timeout", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML())
	})
}

func registerOpenAPI(r chi.Router, api huma.API) {
	var spec []byte
	r.Get("/openapi.json", func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML() string {
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Taskmesh API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, "/openapi.json")
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine, orch dialog.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID:   "publish-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Publish a task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusUnauthorized, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body PublishTaskRequest `json:"body"`
	}) (*struct {
		Body PublishTaskResponse `json:"body"`
	}, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.PublishTask(ctx, engine.TaskPublishOptions{
			AuthorID:   agentID,
			Complexity: input.Body.Complexity,
			Categories: input.Body.Categories,
			Context:    input.Body.Context,
			TTL:        time.Duration(input.Body.TTLHours) * time.Hour,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := PublishTaskResponse{Task: res.Task, MergedInto: res.MergedInto}
		if res.MergedInto == nil && res.CellEligible {
			// cell formation is opportunistic: too few complementary agents
			// leaves the task published for ordinary claiming
			if d, err := orch.FormCell(ctx, res.Task.ID, agentID); err == nil {
				out.DialogID = d.ID
				out.Task, err = e.Repo.GetTask(ctx, res.Task.ID)
				if err != nil {
					return nil, handleError(err)
				}
			}
		}
		return &struct {
			Body PublishTaskResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List or rank published tasks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID    string `query:"agent_id"`
		Categories string `query:"categories" example:"backend,data"`
		Status     string `query:"status"`
	}) (*struct {
		Body MatchListResponse `json:"body"`
	}, error) {
		var cats []string
		if input.Categories != "" {
			cats = strings.Split(input.Categories, ",")
		}
		var items []MatchItem
		if input.AgentID != "" {
			matches, err := e.MatchTasks(ctx, input.AgentID, cats)
			if err != nil {
				return nil, handleError(err)
			}
			items = matchItems(matches)
		} else {
			status := input.Status
			if status == "" {
				status = domain.TaskPublished
			}
			filters := repo.TaskFilters{Status: status}
			if len(cats) > 0 {
				filters.Category = cats[0]
			}
			tasks, err := e.Repo.ListTasks(ctx, filters)
			if err != nil {
				return nil, handleError(err)
			}
			items = make([]MatchItem, 0, len(tasks))
			for _, t := range tasks {
				items = append(items, MatchItem{Task: t})
			}
		}
		return &struct {
			Body MatchListResponse `json:"body"`
		}{Body: MatchListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "similar-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks/similar",
		Summary:     "Find published tasks similar to a probe",
		Errors:      []int{http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Text       string `query:"text"`
		Categories string `query:"categories"`
		Complexity int    `query:"complexity"`
	}) (*struct {
		Body SimilarListResponse `json:"body"`
	}, error) {
		var cats []string
		if input.Categories != "" {
			cats = strings.Split(input.Categories, ",")
		}
		candidates, err := e.SimilarTasks(ctx, input.Text, cats, input.Complexity)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SimilarListResponse `json:"body"`
		}{Body: SimilarListResponse{Items: similarItems(candidates)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get a task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, err := e.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/claim",
		Summary:     "Claim a published task",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.ClaimTask(ctx, input.TaskID, agentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-solution",
		Method:      http.MethodPut,
		Path:        "/tasks/{task_id}/solution",
		Summary:     "Submit the claimant's solution",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		TaskID string          `path:"task_id"`
		Body   SolutionRequest `json:"body"`
	}) (*struct {
		Body SolutionResponse `json:"body"`
	}, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.SubmitSolution(ctx, input.TaskID, agentID, input.Body.Content, input.Body.FeedbackQuality)
		if err != nil {
			if res.RedirectDialogID != "" {
				return nil, newAPIError(http.StatusConflict, "merged", err.Error(),
					map[string]any{"redirect_dialog_id": res.RedirectDialogID})
			}
			return nil, handleError(err)
		}
		return &struct {
			Body SolutionResponse `json:"body"`
		}{Body: SolutionResponse{
			Task:             res.Task,
			Accepted:         res.Accepted,
			ReputationDelta:  res.ReputationDelta,
			RedirectDialogID: res.RedirectDialogID,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decompose-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/decompose",
		Summary:     "Split a task into independent subtasks",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body DecomposeResponse `json:"body"`
	}, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		subtasks, err := e.DecomposeTask(ctx, input.TaskID, agentID)
		if err != nil {
			return nil, handleError(err)
		}
		parent, err := e.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DecomposeResponse `json:"body"`
		}{Body: DecomposeResponse{Parent: parent, Subtasks: subtasks}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "append-task-context",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/context",
		Summary:     "Append to the task's context log",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		TaskID string         `path:"task_id"`
		Body   ContextRequest `json:"body"`
	}) (*struct {
		Body ContextListResponse `json:"body"`
	}, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.AppendTaskContext(ctx, input.TaskID, agentID, input.Body.Text); err != nil {
			return nil, handleError(err)
		}
		entries, err := e.Repo.ListContext(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContextListResponse `json:"body"`
		}{Body: ContextListResponse{Items: entries}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-task-context",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/context",
		Summary:     "Read the task's context log",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body ContextListResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetTask(ctx, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		entries, err := e.Repo.ListContext(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContextListResponse `json:"body"`
		}{Body: ContextListResponse{Items: entries}}, nil
	})
}

func registerAgents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "upsert-agent",
		Method:      http.MethodPut,
		Path:        "/agents/{agent_id}",
		Summary:     "Register or update an agent profile",
		Errors:      []int{http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		AgentID string       `path:"agent_id"`
		Body    AgentRequest `json:"body"`
	}) (*struct {
		Body domain.AgentProfile `json:"body"`
	}, error) {
		callerID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if callerID != input.AgentID {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "agents may only update their own profile", nil)
		}
		p, err := e.RegisterAgent(ctx, domain.AgentProfile{
			AgentID:       input.AgentID,
			Skills:        input.Body.Skills,
			MaxComplexity: input.Body.MaxComplexity,
			AvailableFrom: input.Body.AvailableFrom,
			AvailableTo:   input.Body.AvailableTo,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AgentProfile `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}",
		Summary:     "Get an agent profile",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body domain.AgentProfile `json:"body"`
	}, error) {
		p, err := e.Repo.GetProfile(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AgentProfile `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List agent profiles",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body AgentListResponse `json:"body"`
	}, error) {
		profiles, err := e.Repo.ListProfiles(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgentListResponse `json:"body"`
		}{Body: AgentListResponse{Items: profiles}}, nil
	})
}

func registerDialogs(api huma.API, orch dialog.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID:   "open-dialog",
		Method:        http.MethodPost,
		Path:          "/dialogs",
		Summary:       "Form a cell for a task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body DialogRequest `json:"body"`
	}) (*struct {
		Body domain.Dialog `json:"body"`
	}, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := orch.FormCell(ctx, input.Body.TaskID, agentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Dialog `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-dialog",
		Method:      http.MethodGet,
		Path:        "/dialogs/{dialog_id}",
		Summary:     "Get a dialog",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DialogID string `path:"dialog_id"`
	}) (*struct {
		Body domain.Dialog `json:"body"`
	}, error) {
		d, err := orch.Engine.Repo.GetDialog(ctx, input.DialogID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Dialog `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "post-message",
		Method:        http.MethodPost,
		Path:          "/dialogs/{dialog_id}/messages",
		Summary:       "Append a message to a dialog",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound, http.StatusForbidden, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		DialogID string         `path:"dialog_id"`
		Body     MessageRequest `json:"body"`
	}) (*struct {
		Body domain.Message `json:"body"`
	}, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := orch.AppendMessage(ctx, input.DialogID, agentID, input.Body.Type, input.Body.Content, input.Body.Refs)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Message `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-messages",
		Method:      http.MethodGet,
		Path:        "/dialogs/{dialog_id}/messages",
		Summary:     "List dialog messages in order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DialogID string `path:"dialog_id"`
	}) (*struct {
		Body MessageListResponse `json:"body"`
	}, error) {
		if _, err := orch.Engine.Repo.GetDialog(ctx, input.DialogID); err != nil {
			return nil, handleError(err)
		}
		msgs, err := orch.Engine.Repo.ListMessages(ctx, input.DialogID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MessageListResponse `json:"body"`
		}{Body: MessageListResponse{Items: msgs}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "declare-consensus",
		Method:      http.MethodPut,
		Path:        "/dialogs/{dialog_id}/consensus",
		Summary:     "Declare consensus and resolve the task",
		Errors:      []int{http.StatusNotFound, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		DialogID string `path:"dialog_id"`
	}) (*struct {
		Body ConsensusResponse `json:"body"`
	}, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := orch.Engine.Repo.GetDialog(ctx, input.DialogID)
		if err != nil {
			return nil, handleError(err)
		}
		if _, ok := d.Roles[agentID]; !ok {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "only participants may declare consensus", nil)
		}
		res, err := orch.DeclareConsensus(ctx, input.DialogID, agentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConsensusResponse `json:"body"`
		}{Body: ConsensusResponse{
			Dialog:     res.Dialog,
			Task:       res.Task,
			ProposalID: res.ProposalID,
			Fraction:   res.Fraction,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "replace-participant",
		Method:      http.MethodPost,
		Path:        "/dialogs/{dialog_id}/participants/replace",
		Summary:     "Replace a dropped participant",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		DialogID string                    `path:"dialog_id"`
		Body     ReplaceParticipantRequest `json:"body"`
	}) (*struct {
		Body ReplaceParticipantResponse `json:"body"`
	}, error) {
		if _, authErr := agentIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		replacement, err := orch.ReplaceParticipant(ctx, input.DialogID, input.Body.DroppedID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReplaceParticipantResponse `json:"body"`
		}{Body: ReplaceParticipantResponse{ReplacementID: replacement}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Tail the event log",
	}, func(ctx context.Context, input *struct {
		After int64 `query:"after"`
		Limit int   `query:"limit"`
	}) (*struct {
		Body EventListResponse `json:"body"`
	}, error) {
		items, err := e.Events.List(ctx, input.After, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventListResponse `json:"body"`
		}{Body: EventListResponse{Items: items}}, nil
	})
}

func registerFederation(api huma.API, gw *federation.Gateway) {
	huma.Register(api, huma.Operation{
		OperationID: "federation-info",
		Method:      http.MethodGet,
		Path:        "/federation/info",
		Summary:     "Node identity for handshakes",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body NodeInfo `json:"body"`
	}, error) {
		return &struct {
			Body NodeInfo `json:"body"`
		}{Body: NodeInfo{
			NodeID:    gw.Engine.Config.Node.ID,
			PublicKey: gw.Keys.PublicHex(),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "federation-connect",
		Method:        http.MethodPost,
		Path:          "/federation/connect",
		Summary:       "Federation handshake",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body FederationConnectRequest `json:"body"`
	}) (*struct {
		Body FederationConnectResponse `json:"body"`
	}, error) {
		fa, token, err := gw.RegisterPeer(ctx, domain.FederatedAgent{
			NodeID:            input.Body.NodeID,
			PublicKey:         input.Body.PublicKey,
			PeerURL:           input.Body.PeerURL,
			Mode:              input.Body.Mode,
			Categories:        input.Body.Categories,
			ComplexityCeiling: input.Body.ComplexityCeiling,
			CapabilitySummary: input.Body.CapabilitySummary,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FederationConnectResponse `json:"body"`
		}{Body: FederationConnectResponse{Agent: fa, Token: token}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "federation-ready",
		Method:      http.MethodPut,
		Path:        "/federation/agents/{peer_id}/ready",
		Summary:     "Mark a federated peer ready",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PeerID string `path:"peer_id"`
	}) (*struct {
		Body domain.FederatedAgent `json:"body"`
	}, error) {
		fa, err := gw.MarkReady(ctx, input.PeerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.FederatedAgent `json:"body"`
		}{Body: fa}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "federation-trust",
		Method:      http.MethodPut,
		Path:        "/federation/agents/{peer_id}/trust",
		Summary:     "Set a peer's trust level",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		PeerID string       `path:"peer_id"`
		Body   TrustRequest `json:"body"`
	}) (*struct {
		Body domain.FederatedAgent `json:"body"`
	}, error) {
		if err := gw.Promote(ctx, input.PeerID, input.Body.Level); err != nil {
			return nil, handleError(err)
		}
		fa, err := gw.Engine.Repo.GetFederatedAgent(ctx, input.PeerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.FederatedAgent `json:"body"`
		}{Body: fa}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "federation-status",
		Method:      http.MethodGet,
		Path:        "/federation/status",
		Summary:     "List federated peers",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body FederationStatusResponse `json:"body"`
	}, error) {
		items, err := gw.Engine.Repo.ListFederatedAgents(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FederationStatusResponse `json:"body"`
		}{Body: FederationStatusResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "federation-pull-tasks",
		Method:      http.MethodGet,
		Path:        "/federation/tasks",
		Summary:     "Export shareable tasks as a signed envelope",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body federation.Envelope `json:"body"`
	}, error) {
		peer, authErr := peerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		env, err := gw.ExportEnvelope(ctx, peer)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body federation.Envelope `json:"body"`
		}{Body: env}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "federation-push-tasks",
		Method:      http.MethodPost,
		Path:        "/federation/tasks",
		Summary:     "Import a signed task envelope",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body federation.Envelope `json:"body"`
	}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		peer, authErr := peerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, err := gw.ImportEnvelope(ctx, input.Body, peer)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: map[string]int{"imported": n}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "federation-push-solution",
		Method:      http.MethodPost,
		Path:        "/federation/solutions",
		Summary:     "Apply a flowed-back solution",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body federation.Envelope `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		peer, authErr := peerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := gw.ApplySolution(ctx, input.Body, peer); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "applied"}}, nil
	})
}
