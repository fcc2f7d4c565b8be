package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"velomarket/server/config"
	"velomarket/server/internal/database"
	"velomarket/server/internal/fmv"
	"velomarket/server/internal/hunting"
	"velomarket/server/internal/models"
	"velomarket/server/internal/normalizer"
	"velomarket/server/internal/scheduler"
)

type MockFMV struct {
	mock.Mock
}

func (m *MockFMV) Lookup(ctx context.Context, brand, model string, year *int) (fmv.Estimate, error) {
	args := m.Called(ctx, brand, model, year)
	return args.Get(0).(fmv.Estimate), args.Error(1)
}

type MockVerifier struct {
	mock.Mock
}

func (m *MockVerifier) Plan() hunting.Plan {
	return m.Called().Get(0).(hunting.Plan)
}

func (m *MockVerifier) VerifyListing(ctx context.Context, listing *models.CatalogListing) (scheduler.Outcome, error) {
	args := m.Called(ctx, listing)
	return args.Get(0).(scheduler.Outcome), args.Error(1)
}

type fakeRequester struct {
	requests []models.RefillTask
}

func (f *fakeRequester) Request(_ context.Context, brand, model string, tier int) (models.RefillTask, error) {
	task := models.RefillTask{ID: "manual-1", Brand: brand, Model: model, Tier: tier, Reason: models.RefillManual, Status: models.RefillPending}
	f.requests = append(f.requests, task)
	return task, nil
}

type testServer struct {
	router    *gin.Engine
	fmv       *MockFMV
	verifier  *MockVerifier
	requester *fakeRequester
	catalog   *database.CatalogStore
	refills   *database.RefillStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.NewTestDatabase()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)

	s := &testServer{
		fmv:       &MockFMV{},
		verifier:  &MockVerifier{},
		requester: &fakeRequester{},
		catalog:   database.NewCatalogStore(db.GetDB()),
		refills:   database.NewRefillStore(db.GetDB()),
	}
	s.router = NewRouter(Dependencies{
		FMV:        s.fmv,
		Listings:   s.catalog,
		Refills:    s.refills,
		Refill:     s.requester,
		Verifier:   s.verifier,
		Normalizer: normalizer.New(config.DefaultBrands),
	}, database.NewBountyStore(db.GetDB()), nil, logger)
	return s
}

func (s *testServer) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		payload, _ := json.Marshal(body)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func TestGetFMV(t *testing.T) {
	s := newTestServer(t)
	year := 2022
	s.fmv.On("Lookup", mock.Anything, "Canyon", "Torque", &year).Return(fmv.Estimate{
		Brand:      "Canyon",
		Model:      "Torque",
		Year:       &year,
		Estimate:   decimal.NewFromInt(2000),
		SampleSize: 12,
		Confidence: fmv.ConfidenceMedium,
	}, nil)

	w := s.do(http.MethodGet, "/api/fmv?brand=Canyon&model=Torque&year=2022&price=1500", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Estimate   fmv.Estimate   `json:"estimate"`
		Comparison fmv.Comparison `json:"comparison"`
	}
	decode(t, w, &body)
	assert.True(t, decimal.NewFromInt(2000).Equal(body.Estimate.Estimate))
	assert.Equal(t, fmv.ConfidenceMedium, body.Estimate.Confidence)
	assert.Equal(t, fmv.Compare(decimal.NewFromInt(1500), decimal.NewFromInt(2000)), body.Comparison)
}

func TestGetFMV_InsufficientSample(t *testing.T) {
	s := newTestServer(t)
	s.fmv.On("Lookup", mock.Anything, "YT", "Capra", (*int)(nil)).Return(fmv.Estimate{}, fmv.ErrInsufficientSample)

	w := s.do(http.MethodGet, "/api/fmv?brand=YT&model=Capra", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "insufficient_sample")
}

func TestGetFMV_BadRequests(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		path string
	}{
		{"missing model", "/api/fmv?brand=YT"},
		{"invalid year", "/api/fmv?brand=YT&model=Capra&year=abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(http.MethodGet, tt.path, nil)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
	s.fmv.AssertNotCalled(t, "Lookup", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestGetHuntingMode(t *testing.T) {
	s := newTestServer(t)
	s.verifier.On("Plan").Return(hunting.Plan{Mode: hunting.ModeBerserk, Workers: 12, PollInterval: 90 * time.Second})

	w := s.do(http.MethodGet, "/api/hunting-mode", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var plan hunting.Plan
	decode(t, w, &plan)
	assert.Equal(t, hunting.ModeBerserk, plan.Mode)
	assert.Equal(t, 12, plan.Workers)
}

func TestListingsAndVerify(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	active := &models.CatalogListing{Brand: "Canyon", Model: "Torque", Active: true, Tier: 1, Price: decimal.NewFromInt(2000)}
	inactive := &models.CatalogListing{Brand: "YT", Model: "Capra", Active: true, Tier: 2, Price: decimal.NewFromInt(1800)}
	require.NoError(t, s.catalog.Create(ctx, active))
	require.NoError(t, s.catalog.Create(ctx, inactive))
	_, err := s.catalog.Deactivate(ctx, inactive.ID, models.ReasonSold, time.Now())
	require.NoError(t, err)

	w := s.do(http.MethodGet, "/api/listings", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listings []models.CatalogListing
	decode(t, w, &listings)
	require.Len(t, listings, 1)
	assert.Equal(t, active.ID, listings[0].ID)

	w = s.do(http.MethodGet, "/api/listings?active=false", nil)
	decode(t, w, &listings)
	assert.Len(t, listings, 2)

	s.verifier.On("VerifyListing", mock.Anything, mock.Anything).Return(scheduler.OutcomeActive, nil).Once()
	w = s.do(http.MethodPost, "/api/listings/1/verify", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "active")

	w = s.do(http.MethodPost, "/api/listings/2/verify", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(http.MethodPost, "/api/listings/99/verify", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	s.verifier.AssertNumberOfCalls(t, "VerifyListing", 1)
}

func TestRefillTasks(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	task := &models.RefillTask{Brand: "Canyon", Model: "Torque", Tier: 1, Reason: models.RefillBikeSold}
	require.NoError(t, s.refills.Append(ctx, task))

	w := s.do(http.MethodGet, "/api/refill-tasks?status=pending", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var tasks []models.RefillTask
	decode(t, w, &tasks)
	require.Len(t, tasks, 1)
	assert.Equal(t, task.ID, tasks[0].ID)

	w = s.do(http.MethodGet, "/api/refill-tasks?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, "/api/refill-tasks/"+task.ID+"/status", StatusRequest{Status: models.RefillDone})
	require.Equal(t, http.StatusOK, w.Code)
	got, err := s.refills.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RefillDone, got.Status)

	w = s.do(http.MethodPost, "/api/refill-tasks/missing/status", StatusRequest{Status: models.RefillDone})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(http.MethodPost, "/api/refill-tasks/"+task.ID+"/status", StatusRequest{Status: "lost"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateRefillTask(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodPost, "/api/refill-tasks", RefillRequest{Brand: "Canyon", Model: "Torque"})
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, s.requester.requests, 1)
	assert.Equal(t, models.TierStandard, s.requester.requests[0].Tier)

	w = s.do(http.MethodPost, "/api/refill-tasks", RefillRequest{Brand: "Canyon", Model: "Torque", Tier: 5})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, "/api/refill-tasks", map[string]string{"brand": "Canyon"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBounties(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodPost, "/api/bounties", map[string]interface{}{"category": " MTB ", "max_price": 2000})
	require.Equal(t, http.StatusCreated, w.Code)

	w = s.do(http.MethodPost, "/api/bounties", map[string]interface{}{"category": "road", "max_price": 0})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodGet, "/api/bounties", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var bounties []models.Bounty
	decode(t, w, &bounties)
	require.Len(t, bounties, 1)
	assert.Equal(t, "mtb", bounties[0].Category)
	assert.True(t, decimal.NewFromInt(2000).Equal(bounties[0].MaxPrice))
}

func TestNormalize(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodPost, "/api/normalize", NormalizeRequest{Title: "Canyon Torque 2025 XL Fully"})
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Observation models.Observation `json:"observation"`
		Unresolved  []string           `json:"unresolved"`
	}
	decode(t, w, &body)
	require.NotNil(t, body.Observation.Brand)
	assert.Equal(t, "Canyon", *body.Observation.Brand)
	require.NotNil(t, body.Observation.Year)
	assert.Equal(t, 2025, *body.Observation.Year)
	assert.Empty(t, body.Unresolved)

	w = s.do(http.MethodPost, "/api/normalize", NormalizeRequest{Title: "Fahrrad"})
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &body)
	assert.Contains(t, body.Unresolved, "brand")
}

func TestTestTelegram_Disabled(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodPost, "/api/telegram/test", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
