package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/face-dedup/internal/faceapi"
	"github.com/example/face-dedup/internal/repository"
)

type stubStore struct {
	faces        map[string][]string
	facesErr     error
	available    *repository.Faceset
	availableErr error
	savedTokens  map[string]string
	saveTokenErr error
	counts       map[string]int
	countErr     error
	facesets     []repository.Faceset
	listErr      error
	logs         []*repository.VerificationLog
	saveLogErr   error
	foundLog     *repository.VerificationLog
	findLogErr   error
}

func newStubStore() *stubStore {
	return &stubStore{
		faces:       map[string][]string{},
		savedTokens: map[string]string{},
		counts:      map[string]int{},
	}
}

func (s *stubStore) GetAllStoredFaces(ctx context.Context) (map[string][]string, error) {
	return s.faces, s.facesErr
}

func (s *stubStore) FindAvailableFaceset(ctx context.Context) (*repository.Faceset, error) {
	return s.available, s.availableErr
}

func (s *stubStore) SaveFaceToken(ctx context.Context, token, outerID string) error {
	if s.saveTokenErr != nil {
		return s.saveTokenErr
	}
	s.savedTokens[token] = outerID
	return nil
}

func (s *stubStore) UpdateFacesetCount(ctx context.Context, outerID string, count int) error {
	if s.countErr != nil {
		return s.countErr
	}
	s.counts[outerID] = count
	return nil
}

func (s *stubStore) ListFacesets(ctx context.Context) ([]repository.Faceset, error) {
	return s.facesets, s.listErr
}

func (s *stubStore) SaveLog(ctx context.Context, log *repository.VerificationLog) error {
	if s.saveLogErr != nil {
		return s.saveLogErr
	}
	s.logs = append(s.logs, log)
	return nil
}

func (s *stubStore) FindLogByRequestID(ctx context.Context, requestID string) (*repository.VerificationLog, error) {
	if s.findLogErr != nil {
		return nil, s.findLogErr
	}
	if s.foundLog != nil {
		return s.foundLog, nil
	}
	return nil, errors.New("not found")
}

type stubProvider struct {
	detection   *faceapi.Detection
	detectErr   error
	detectCalls int

	searchResults map[string][]faceapi.Match
	searchErrs    map[string]error
	searchCalls   int

	createID    string
	createErr   error
	createCalls int

	addErr   error
	addCalls int
	addedTo  []string

	details     map[string]*faceapi.FacesetDetail
	detailErrs  map[string]error
	detailCalls int
}

func (p *stubProvider) Detect(ctx context.Context, image []byte) (*faceapi.Detection, error) {
	p.detectCalls++
	return p.detection, p.detectErr
}

func (p *stubProvider) Search(ctx context.Context, faceToken, outerID string, topK int) ([]faceapi.Match, error) {
	p.searchCalls++
	if err := p.searchErrs[outerID]; err != nil {
		return nil, err
	}
	return p.searchResults[outerID], nil
}

func (p *stubProvider) CreateFaceset(ctx context.Context) (string, error) {
	p.createCalls++
	return p.createID, p.createErr
}

func (p *stubProvider) AddFace(ctx context.Context, faceToken, outerID string) error {
	p.addCalls++
	if p.addErr != nil {
		return p.addErr
	}
	p.addedTo = append(p.addedTo, outerID)
	return nil
}

func (p *stubProvider) FacesetDetail(ctx context.Context, outerID string) (*faceapi.FacesetDetail, error) {
	p.detailCalls++
	if err := p.detailErrs[outerID]; err != nil {
		return nil, err
	}
	if detail, ok := p.details[outerID]; ok {
		return detail, nil
	}
	return &faceapi.FacesetDetail{OuterID: outerID}, nil
}

type passthroughNormalizer struct{}

func (passthroughNormalizer) Normalize(data []byte) []byte { return data }

type stubCache struct {
	setKeys  []string
	setErr   error
	getValue string
	getErr   error
}

func (c *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	c.setKeys = append(c.setKeys, key)
	return c.setErr
}

func (c *stubCache) Get(ctx context.Context, key string) (string, error) {
	return c.getValue, c.getErr
}

func newTestService(store *stubStore, provider *stubProvider, cache *stubCache) *VerificationService {
	return NewVerificationService(store, provider, passthroughNormalizer{}, cache, Options{
		ConfidenceThreshold: 90.0,
		MinFaceQuality:      40.0,
		SearchResultCount:   5,
	}, zap.NewNop())
}

func maleDetection(token string) *faceapi.Detection {
	return &faceapi.Detection{
		FaceToken:  token,
		Attributes: faceapi.Attributes{Gender: "Male", FaceQuality: 80},
	}
}

func TestVerifyReturnsNoFaceDetectedWithoutSearching(t *testing.T) {
	store := newStubStore()
	provider := &stubProvider{detection: nil}
	svc := newTestService(store, provider, &stubCache{})

	outcome := svc.Verify(context.Background(), "user-1", []byte("img"))

	if outcome.Kind != OutcomeNoFaceDetected {
		t.Fatalf("expected no_face_detected, got %s", outcome.Kind)
	}
	if provider.searchCalls != 0 || provider.addCalls != 0 || provider.createCalls != 0 {
		t.Fatalf("expected no search or registration calls, got search=%d add=%d create=%d",
			provider.searchCalls, provider.addCalls, provider.createCalls)
	}
}

func TestVerifyRejectsFaceWithoutHumanTraits(t *testing.T) {
	store := newStubStore()
	provider := &stubProvider{detection: &faceapi.Detection{FaceToken: "tok-x"}}
	svc := newTestService(store, provider, &stubCache{})

	outcome := svc.Verify(context.Background(), "user-1", []byte("img"))

	if outcome.Kind != OutcomeInvalidFace {
		t.Fatalf("expected invalid_face, got %s", outcome.Kind)
	}
	if provider.searchCalls != 0 {
		t.Fatalf("expected no search calls, got %d", provider.searchCalls)
	}
}

func TestVerifyRegistersFirstFaceIntoFreshFaceset(t *testing.T) {
	store := newStubStore()
	provider := &stubProvider{
		detection: maleDetection("tokA"),
		createID:  "faceset_ab12cd34",
		details: map[string]*faceapi.FacesetDetail{
			"faceset_ab12cd34": {OuterID: "faceset_ab12cd34", FaceCount: 1},
		},
	}
	svc := newTestService(store, provider, &stubCache{})

	outcome := svc.Verify(context.Background(), "user-1", []byte("img"))

	if outcome.Kind != OutcomeRegistered || outcome.FaceToken != "tokA" {
		t.Fatalf("expected registered tokA, got %s (%s)", outcome.Kind, outcome.FaceToken)
	}
	if provider.createCalls != 1 {
		t.Fatalf("expected one faceset allocation, got %d", provider.createCalls)
	}
	if store.savedTokens["tokA"] != "faceset_ab12cd34" {
		t.Fatalf("expected tokA persisted into the new faceset, got %v", store.savedTokens)
	}
	if store.counts["faceset_ab12cd34"] != 1 {
		t.Fatalf("expected refreshed count persisted, got %v", store.counts)
	}
	if len(store.logs) != 1 || store.logs[0].Outcome != string(OutcomeRegistered) {
		t.Fatalf("expected one registered log entry, got %+v", store.logs)
	}
}

func TestVerifyReportsDuplicateWithoutRegistering(t *testing.T) {
	store := newStubStore()
	store.faces = map[string][]string{"faceset_1": {"tokA"}}
	provider := &stubProvider{
		detection: maleDetection("tokB"),
		searchResults: map[string][]faceapi.Match{
			"faceset_1": {{Confidence: 95, FaceToken: "tokA"}, {Confidence: 40, FaceToken: "tokZ"}},
		},
	}
	svc := newTestService(store, provider, &stubCache{})

	outcome := svc.Verify(context.Background(), "user-1", []byte("img"))

	if outcome.Kind != OutcomeDuplicateFound {
		t.Fatalf("expected duplicate_found, got %s", outcome.Kind)
	}
	if outcome.BestMatch == nil || outcome.BestMatch.Confidence != 95 || outcome.BestMatch.FaceToken != "tokA" {
		t.Fatalf("unexpected best match: %+v", outcome.BestMatch)
	}
	if len(outcome.Matches) != 1 {
		t.Fatalf("below-threshold matches must be filtered, got %+v", outcome.Matches)
	}
	if provider.addCalls != 0 || len(store.savedTokens) != 0 {
		t.Fatalf("duplicate must not register: add=%d saved=%v", provider.addCalls, store.savedTokens)
	}
}

func TestVerifySurfacesPartialRegistrationOnPersistFailure(t *testing.T) {
	store := newStubStore()
	store.saveTokenErr = errors.New("db down")
	provider := &stubProvider{detection: maleDetection("tokA"), createID: "faceset_1"}
	svc := newTestService(store, provider, &stubCache{})

	outcome := svc.Verify(context.Background(), "user-1", []byte("img"))

	if outcome.Kind != OutcomeFailed || outcome.FailedStep != StepSaveToken {
		t.Fatalf("expected failed at save_token, got %s (%s)", outcome.Kind, outcome.FailedStep)
	}
	if !outcome.PartialRegistration() {
		t.Fatal("save_token failure must be reported as a partial registration")
	}
	if provider.addCalls != 1 {
		t.Fatalf("provider add should have happened exactly once, got %d", provider.addCalls)
	}
}

func TestVerifySurfacesDetectFailure(t *testing.T) {
	store := newStubStore()
	provider := &stubProvider{detectErr: errors.New("provider unavailable")}
	svc := newTestService(store, provider, &stubCache{})

	outcome := svc.Verify(context.Background(), "user-1", []byte("img"))

	if outcome.Kind != OutcomeFailed || outcome.FailedStep != StepDetect {
		t.Fatalf("expected failed at detect, got %s (%s)", outcome.Kind, outcome.FailedStep)
	}
	if outcome.PartialRegistration() {
		t.Fatal("detect failure is not a partial registration")
	}
}

func TestVerifyCacheFailureDoesNotChangeOutcome(t *testing.T) {
	store := newStubStore()
	provider := &stubProvider{detection: maleDetection("tokA"), createID: "faceset_1"}
	cache := &stubCache{setErr: errors.New("redis down")}
	svc := newTestService(store, provider, cache)

	outcome := svc.Verify(context.Background(), "user-1", []byte("img"))

	if outcome.Kind != OutcomeRegistered {
		t.Fatalf("cache failure must not affect the outcome, got %s", outcome.Kind)
	}
	if len(cache.setKeys) < 2 {
		t.Fatalf("expected processing and result cache writes, got %d", len(cache.setKeys))
	}
}

func TestGetResultFallsBackToStoreOnCacheMiss(t *testing.T) {
	store := newStubStore()
	expected := &repository.VerificationLog{RequestID: "req-1", Outcome: string(OutcomeRegistered)}
	store.foundLog = expected
	svc := newTestService(store, &stubProvider{}, &stubCache{getErr: redis.Nil})

	log, err := svc.GetResult(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if log != expected {
		t.Fatalf("expected store log, got %+v", log)
	}
}

func TestGetResultUsesCachedOutcome(t *testing.T) {
	store := newStubStore()
	cache := &stubCache{getValue: `{"request_id":"req-2","outcome":"duplicate_found","confidence":95}`}
	svc := newTestService(store, &stubProvider{}, cache)

	log, err := svc.GetResult(context.Background(), "req-2")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if log.Outcome != string(OutcomeDuplicateFound) || log.Confidence != 95 {
		t.Fatalf("unexpected cached result: %+v", log)
	}
}
