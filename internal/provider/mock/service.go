package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/kiranshivaraju/batchpilot/internal/manifest"
	"github.com/kiranshivaraju/batchpilot/internal/provider"
)

// Service is an in-memory stand-in for the remote batch service. Batches sit
// in "validating" until a test moves them along with Complete or SetStatus.
type Service struct {
	mu      sync.Mutex
	seq     int
	files   map[string][]byte
	batches map[string]*provider.BatchStatus
	inputs  map[string]string
	creates []provider.CreateJobRequest
}

func NewService() *Service {
	return &Service{
		files:   make(map[string][]byte),
		batches: make(map[string]*provider.BatchStatus),
		inputs:  make(map[string]string),
	}
}

func (s *Service) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s-%d", prefix, s.seq)
}

func (s *Service) Upload(_ context.Context, _ string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID("file")
	s.files[id] = append([]byte(nil), data...)
	return id, nil
}

func (s *Service) CreateJob(_ context.Context, req provider.CreateJobRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.files[req.ArtifactID]; !ok {
		return "", provider.ClassifyStatus(404, "no such file "+req.ArtifactID)
	}
	id := s.nextID("batch")
	s.batches[id] = &provider.BatchStatus{ID: id, Status: provider.StatusValidating}
	s.inputs[id] = req.ArtifactID
	s.creates = append(s.creates, req)
	return id, nil
}

func (s *Service) GetStatus(_ context.Context, externalJobID string) (*provider.BatchStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[externalJobID]
	if !ok {
		return nil, provider.ClassifyStatus(404, "no such batch "+externalJobID)
	}
	cp := *b
	cp.Errors = append([]provider.BatchError(nil), b.Errors...)
	return &cp, nil
}

func (s *Service) Download(_ context.Context, artifactID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.files[artifactID]
	if !ok {
		return nil, provider.ClassifyStatus(404, "no such file "+artifactID)
	}
	return append([]byte(nil), data...), nil
}

// SetStatus overwrites the remote status of a batch.
func (s *Service) SetStatus(batchID, status string, errs ...provider.BatchError) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.batches[batchID]; ok {
		b.Status = status
		b.Errors = errs
	}
}

// PutFile stores an artifact under id, replacing any existing content.
func (s *Service) PutFile(id string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[id] = data
}

// SetArtifacts points a batch at output and error artifact ids.
func (s *Service) SetArtifacts(batchID, outputID, errorID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.batches[batchID]; ok {
		b.OutputArtifactID = outputID
		b.ErrorArtifactID = errorID
	}
}

// Complete finishes a batch by answering every manifest line. Lines for
// which fail returns true go to the error artifact; the rest echo their body
// back as a success with fixed usage numbers.
func (s *Service) Complete(batchID string, fail func(customID string) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[batchID]
	if !ok {
		return fmt.Errorf("no such batch %s", batchID)
	}
	input := s.files[s.inputs[batchID]]

	var out, errs []byte
	err := manifest.Scan(input, func(_ int, line []byte) error {
		var l manifest.Line
		if err := json.Unmarshal(line, &l); err != nil {
			return err
		}
		var rendered []byte
		var err error
		if fail != nil && fail(l.CustomID) {
			rendered, err = json.Marshal(map[string]any{
				"id":        "batch_req_" + l.CustomID,
				"custom_id": l.CustomID,
				"response":  nil,
				"error":     map[string]string{"code": "server_error", "message": "simulated failure"},
			})
			errs = append(append(errs, rendered...), '\n')
		} else {
			rendered, err = json.Marshal(map[string]any{
				"id":        "batch_req_" + l.CustomID,
				"custom_id": l.CustomID,
				"response": map[string]any{
					"status_code": 200,
					"request_id":  "req_" + l.CustomID,
					"body": map[string]any{
						"echo":  l.Body,
						"usage": map[string]int{"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5},
					},
				},
				"error": nil,
			})
			out = append(append(out, rendered...), '\n')
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("render results for %s: %w", batchID, err)
	}

	b.Status = provider.StatusCompleted
	if len(out) > 0 {
		id := s.nextID("file")
		s.files[id] = out
		b.OutputArtifactID = id
	}
	if len(errs) > 0 {
		id := s.nextID("file")
		s.files[id] = errs
		b.ErrorArtifactID = id
	}
	b.RequestCounts = provider.RequestCounts{
		Total:     countLines(out) + countLines(errs),
		Completed: countLines(out),
		Failed:    countLines(errs),
	}
	return nil
}

// Batches returns the ids of every batch created so far, sorted.
func (s *Service) Batches() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.batches))
	for id := range s.batches {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CreateRequests returns every CreateJob request received, in order.
func (s *Service) CreateRequests() []provider.CreateJobRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]provider.CreateJobRequest(nil), s.creates...)
}

// Input returns the manifest a batch was created from.
func (s *Service) Input(batchID string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.files[s.inputs[batchID]]
}

func countLines(data []byte) int {
	n := 0
	_ = manifest.Scan(data, func(int, []byte) error { n++; return nil })
	return n
}

var _ provider.Client = (*Service)(nil)
