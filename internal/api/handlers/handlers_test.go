package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/julienschmidt/httprouter"

	apiContext "cardsync/internal/api/context"
	"cardsync/internal/engine/linking"
	"cardsync/internal/engine/remote"
	"cardsync/internal/engine/syncer"
	"cardsync/internal/engine/webhooks"
	"cardsync/internal/pkg/errors"
	"cardsync/internal/platform/models"
)

func withParams(r *http.Request, kv ...string) *http.Request {
	var ps httprouter.Params
	for i := 0; i+1 < len(kv); i += 2 {
		ps = append(ps, httprouter.Param{Key: kv[i], Value: kv[i+1]})
	}
	return r.WithContext(context.WithValue(r.Context(), apiContext.Params, ps))
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) errors.ErrorResponse {
	t.Helper()
	var resp errors.ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return resp
}

type fakeIngestor struct {
	mu         sync.Mutex
	acceptErr  error
	duplicate  bool
	accepted   []webhooks.Delivery
	dispatched []string
}

func (f *fakeIngestor) Accept(ctx context.Context, d webhooks.Delivery) (*webhooks.Acceptance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acceptErr != nil {
		return nil, f.acceptErr
	}
	f.accepted = append(f.accepted, d)
	return &webhooks.Acceptance{Duplicate: f.duplicate}, nil
}

func (f *fakeIngestor) Dispatch(ctx context.Context, deliveryID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, deliveryID)
}

func webhookRequest(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", strings.NewReader(body))
	req.Header.Set(webhooks.DeliveryHeader, "d-1")
	req.Header.Set(webhooks.EventHeader, "issues")
	req.Header.Set(webhooks.SignatureHeader, "sha256=abc")
	return req
}

func TestWebhookHandler_Receive(t *testing.T) {
	tests := []struct {
		name         string
		acceptErr    error
		duplicate    bool
		wantStatus   int
		wantDispatch bool
		wantBody     string
	}{
		{name: "accepted", wantStatus: http.StatusOK, wantDispatch: true, wantBody: "accepted"},
		{name: "duplicate", duplicate: true, wantStatus: http.StatusOK, wantBody: "duplicate"},
		{name: "bad signature", acceptErr: webhooks.ErrInvalidSignature, wantStatus: http.StatusUnauthorized},
		{name: "missing headers", acceptErr: webhooks.ErrMissingHeaders, wantStatus: http.StatusBadRequest},
		{name: "store failure", acceptErr: fmt.Errorf("insert: %w", stderrors.New("disk full")), wantStatus: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ing := &fakeIngestor{acceptErr: tt.acceptErr, duplicate: tt.duplicate}
			h := NewWebhookHandler(ing, 1<<20)

			rr := httptest.NewRecorder()
			h.Receive(rr, webhookRequest(`{"action":"opened"}`))

			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if tt.wantBody != "" {
				var resp map[string]string
				json.NewDecoder(rr.Body).Decode(&resp)
				if resp["status"] != tt.wantBody {
					t.Errorf("status field = %q, want %q", resp["status"], tt.wantBody)
				}
			}
			if got := len(ing.dispatched) == 1; got != tt.wantDispatch {
				t.Errorf("dispatched = %v, want %v", ing.dispatched, tt.wantDispatch)
			}
		})
	}
}

func TestWebhookHandler_PassesHeadersAndBody(t *testing.T) {
	ing := &fakeIngestor{}
	h := NewWebhookHandler(ing, 1<<20)

	h.Receive(httptest.NewRecorder(), webhookRequest(`{"action":"closed"}`))

	if len(ing.accepted) != 1 {
		t.Fatalf("accepted = %d, want 1", len(ing.accepted))
	}
	d := ing.accepted[0]
	if d.ID != "d-1" || d.Event != "issues" || d.Signature != "sha256=abc" || string(d.Body) != `{"action":"closed"}` {
		t.Errorf("delivery = %+v", d)
	}
}

func TestWebhookHandler_BodyTooLarge(t *testing.T) {
	ing := &fakeIngestor{}
	h := NewWebhookHandler(ing, 8)

	rr := httptest.NewRecorder()
	h.Receive(rr, webhookRequest(`{"action":"opened"}`))

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rr.Code)
	}
	if len(ing.accepted) != 0 {
		t.Error("oversized body was accepted")
	}
}

type fakeSyncer struct {
	opts   syncer.Options
	result *syncer.Result
	err    error
	card   *models.Card
}

func (f *fakeSyncer) SyncProject(ctx context.Context, projectID string, opts syncer.Options) (*syncer.Result, error) {
	f.opts = opts
	return f.result, f.err
}

func (f *fakeSyncer) SyncCardToRemote(ctx context.Context, cardID string) (*models.Card, error) {
	return f.card, f.err
}

func (f *fakeSyncer) DefaultOptions() syncer.Options {
	return syncer.Options{SyncComments: true, SyncLabels: true}
}

type fakeResetter struct {
	deleted int64
	err     error
}

func (f *fakeResetter) ResetSyncState(ctx context.Context, projectID string) (int64, error) {
	return f.deleted, f.err
}

func TestSyncHandler_SyncProject(t *testing.T) {
	eng := &fakeSyncer{result: &syncer.Result{
		Status: syncer.StatusPartial,
		Stats:  syncer.Stats{IssuesSeen: 3},
		Errors: []syncer.EntityError{{CardID: "c1", Kind: "other", Message: "boom"}},
	}}
	h := NewSyncHandler(eng, &fakeResetter{})

	req := withParams(httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"sync_labels":false}`)), "project_id", "proj_1")
	rr := httptest.NewRecorder()
	h.SyncProject(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if !eng.opts.SyncComments || eng.opts.SyncLabels {
		t.Errorf("options = %+v, want comments on, labels off", eng.opts)
	}
	var resp syncProjectResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Success || resp.Status != syncer.StatusPartial || len(resp.Errors) != 1 || resp.Stats.IssuesSeen != 3 {
		t.Errorf("response = %+v", resp)
	}
}

func TestSyncHandler_EmptyBodyUsesDefaults(t *testing.T) {
	eng := &fakeSyncer{result: &syncer.Result{Status: syncer.StatusSynced}}
	h := NewSyncHandler(eng, &fakeResetter{})

	rr := httptest.NewRecorder()
	h.SyncProject(rr, withParams(httptest.NewRequest(http.MethodPost, "/", nil), "project_id", "proj_1"))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if !eng.opts.SyncComments || !eng.opts.SyncLabels {
		t.Errorf("options = %+v, want defaults", eng.opts)
	}
}

func TestWriteSyncError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"in progress", syncer.ErrSyncInProgress, http.StatusConflict, errors.ErrCodeSyncInProgress},
		{"relink", fmt.Errorf("sync: %w", syncer.ErrRelinkRequired), http.StatusConflict, errors.ErrCodeRelinkRequired},
		{"not linked", syncer.ErrNotLinked, http.StatusNotFound, errors.ErrCodeNotFound},
		{"card missing", syncer.ErrCardNotFound, http.StatusNotFound, errors.ErrCodeNotFound},
		{"rate limited", &remote.Error{Kind: remote.KindRateLimited, Op: "list issues", Err: stderrors.New("limit")}, http.StatusTooManyRequests, errors.ErrCodeRateLimitExceeded},
		{"remote unavailable", &remote.Error{Kind: remote.KindUnavailable, Op: "get issue", Err: stderrors.New("502")}, http.StatusBadGateway, errors.ErrCodeInternal},
		{"lease expired", syncer.ErrLeaseExpired, http.StatusGatewayTimeout, errors.ErrCodeInternal},
		{"unknown", stderrors.New("boom"), http.StatusInternalServerError, errors.ErrCodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			writeSyncError(rr, tt.err, nil)
			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if got := decodeError(t, rr).Code; got != tt.wantCode {
				t.Errorf("code = %q, want %q", got, tt.wantCode)
			}
		})
	}
}

func TestSyncHandler_Reset(t *testing.T) {
	h := NewSyncHandler(&fakeSyncer{}, &fakeResetter{deleted: 4})

	rr := httptest.NewRecorder()
	h.Reset(rr, withParams(httptest.NewRequest(http.MethodPost, "/", nil), "project_id", "proj_1"))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var resp struct {
		DeletedLinks int64 `json:"deleted_links"`
	}
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp.DeletedLinks != 4 {
		t.Errorf("deleted_links = %d, want 4", resp.DeletedLinks)
	}
}

type fakeLinker struct {
	req  linking.LinkRequest
	link *models.ProjectLink
	err  error
}

func (f *fakeLinker) LinkRepository(ctx context.Context, req linking.LinkRequest) (*models.ProjectLink, error) {
	f.req = req
	return f.link, f.err
}

func (f *fakeLinker) UnlinkRepository(ctx context.Context, projectID string) error {
	return f.err
}

type fakeProjects map[string]*models.ProjectLink

func (f fakeProjects) Get(ctx context.Context, projectID string) (*models.ProjectLink, error) {
	return f[projectID], nil
}

func TestLinkHandler_Put(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"linked", nil, http.StatusOK, ""},
		{"invalid", fmt.Errorf("%w: repo_full_name must be owner/name", linking.ErrInvalidLink), http.StatusBadRequest, errors.ErrCodeInvalidInput},
		{"archived", &linking.LinkError{ProjectID: "proj_1", Repo: "acme/old", Reason: "archived"}, http.StatusUnprocessableEntity, errors.ErrCodeLinkFailed},
		{"busy", syncer.ErrSyncInProgress, http.StatusConflict, errors.ErrCodeSyncInProgress},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			linker := &fakeLinker{link: &models.ProjectLink{ProjectID: "proj_1", RepoFullName: "acme/widgets"}, err: tt.err}
			h := NewLinkHandler(linker, fakeProjects{})

			body := `{"repo_full_name":"acme/widgets","installation_id":7,"webhook_secret":"s3"}`
			req := withParams(httptest.NewRequest(http.MethodPut, "/", strings.NewReader(body)), "project_id", "proj_1")
			rr := httptest.NewRecorder()
			h.Put(rr, req)

			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if linker.req.ProjectID != "proj_1" || linker.req.RepoFullName != "acme/widgets" || linker.req.InstallationID != 7 || linker.req.WebhookSecret != "s3" {
				t.Errorf("request = %+v", linker.req)
			}
			if tt.wantCode != "" {
				if got := decodeError(t, rr).Code; got != tt.wantCode {
					t.Errorf("code = %q, want %q", got, tt.wantCode)
				}
			}
		})
	}
}

func TestLinkHandler_GetAndDelete(t *testing.T) {
	projects := fakeProjects{"proj_1": {ProjectID: "proj_1", RepoFullName: "acme/widgets"}}
	h := NewLinkHandler(&fakeLinker{}, projects)

	rr := httptest.NewRecorder()
	h.Get(rr, withParams(httptest.NewRequest(http.MethodGet, "/", nil), "project_id", "proj_1"))
	if rr.Code != http.StatusOK {
		t.Errorf("Get() status = %d, want 200", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.Get(rr, withParams(httptest.NewRequest(http.MethodGet, "/", nil), "project_id", "missing"))
	if rr.Code != http.StatusNotFound {
		t.Errorf("Get() of unlinked status = %d, want 404", rr.Code)
	}

	h = NewLinkHandler(&fakeLinker{err: syncer.ErrNotLinked}, projects)
	rr = httptest.NewRecorder()
	h.Delete(rr, withParams(httptest.NewRequest(http.MethodDelete, "/", nil), "project_id", "missing"))
	if rr.Code != http.StatusNotFound {
		t.Errorf("Delete() of unlinked status = %d, want 404", rr.Code)
	}
}

type fakeEventLog struct {
	failed  []*models.WebhookEvent
	pending []*models.WebhookEvent
}

func (f *fakeEventLog) ListFailed(ctx context.Context, limit int) ([]*models.WebhookEvent, error) {
	return f.failed, nil
}

func (f *fakeEventLog) ListPending(ctx context.Context, maxRetries int, receivedBefore int64, limit int) ([]*models.WebhookEvent, error) {
	return f.pending, nil
}

type fakeReprocessor struct {
	err error
}

func (f *fakeReprocessor) Reprocess(ctx context.Context, deliveryID string) error {
	return f.err
}

type recordingAudit struct {
	actions []string
}

func (a *recordingAudit) Log(ctx context.Context, projectID, action string, metadata map[string]interface{}) {
	a.actions = append(a.actions, action)
}

func TestEventsHandler_List(t *testing.T) {
	log := &fakeEventLog{
		failed:  []*models.WebhookEvent{{DeliveryID: "d-failed"}},
		pending: []*models.WebhookEvent{{DeliveryID: "d-pending"}, {DeliveryID: "d-pending-2"}},
	}
	h := NewEventsHandler(log, &fakeReprocessor{}, &recordingAudit{}, 5)

	tests := []struct {
		query      string
		wantStatus int
		wantCount  int
	}{
		{"", http.StatusOK, 1},
		{"?status=failed", http.StatusOK, 1},
		{"?status=pending", http.StatusOK, 2},
		{"?status=bogus", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		rr := httptest.NewRecorder()
		h.List(rr, httptest.NewRequest(http.MethodGet, "/api/v1/webhooks/events"+tt.query, nil))
		if rr.Code != tt.wantStatus {
			t.Errorf("%q: status = %d, want %d", tt.query, rr.Code, tt.wantStatus)
			continue
		}
		if tt.wantStatus != http.StatusOK {
			continue
		}
		var resp struct {
			Events []*models.WebhookEvent `json:"events"`
		}
		json.NewDecoder(rr.Body).Decode(&resp)
		if len(resp.Events) != tt.wantCount {
			t.Errorf("%q: events = %d, want %d", tt.query, len(resp.Events), tt.wantCount)
		}
	}
}

func TestEventsHandler_Reprocess(t *testing.T) {
	audit := &recordingAudit{}
	h := NewEventsHandler(&fakeEventLog{}, &fakeReprocessor{}, audit, 5)

	rr := httptest.NewRecorder()
	h.Reprocess(rr, withParams(httptest.NewRequest(http.MethodPost, "/", nil), "delivery_id", "d-1"))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if len(audit.actions) != 1 {
		t.Errorf("audit entries = %v, want one", audit.actions)
	}

	h = NewEventsHandler(&fakeEventLog{}, &fakeReprocessor{err: webhooks.ErrUnknownDelivery}, audit, 5)
	rr = httptest.NewRecorder()
	h.Reprocess(rr, withParams(httptest.NewRequest(http.MethodPost, "/", nil), "delivery_id", "nope"))
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown delivery status = %d, want 404", rr.Code)
	}
	if len(audit.actions) != 1 {
		t.Errorf("unknown delivery was audited: %v", audit.actions)
	}

	h = NewEventsHandler(&fakeEventLog{}, &fakeReprocessor{err: webhooks.ErrAlreadyProcessed}, audit, 5)
	rr = httptest.NewRecorder()
	h.Reprocess(rr, withParams(httptest.NewRequest(http.MethodPost, "/", nil), "delivery_id", "d-1"))
	if rr.Code != http.StatusConflict {
		t.Errorf("processed delivery status = %d, want 409", rr.Code)
	}
	if code := decodeError(t, rr).Code; code != "CONFLICT" {
		t.Errorf("processed delivery code = %q, want CONFLICT", code)
	}
	if len(audit.actions) != 1 {
		t.Errorf("refused reprocess was audited: %v", audit.actions)
	}
}

type stubPinger struct{ err error }

func (p stubPinger) PingContext(ctx context.Context) error { return p.err }

func TestHealthHandler(t *testing.T) {
	rr := httptest.NewRecorder()
	NewHealthHandler(stubPinger{}).Check(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("healthy status = %d, want 200", rr.Code)
	}

	rr = httptest.NewRecorder()
	NewHealthHandler(stubPinger{err: stderrors.New("database is locked")}).Check(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("degraded status = %d, want 503", rr.Code)
	}
}

func TestMetricsHandler(t *testing.T) {
	h := NewMetricsHandler(MetricsSources{
		Engine:    func() syncer.EngineStats { return syncer.EngineStats{Passes: 7} },
		Webhooks:  func() webhooks.Stats { return webhooks.Stats{Duplicates: 2} },
		Exchanges: func() int64 { return 1 },
	})

	rr := httptest.NewRecorder()
	h.Export(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rr.Body.String()
	for _, want := range []string{
		"cardsync_up 1",
		"cardsync_sync_passes_total 7",
		"cardsync_webhooks_duplicate_total 2",
		"cardsync_token_exchanges_total 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
	if strings.Contains(body, "cardsync_github_requests_total") {
		t.Error("nil remote source should be skipped")
	}
}
