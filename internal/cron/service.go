package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	rcron "github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

type Service struct {
	storePath string
	mu        sync.Mutex
	jobs      []CronJob
	// OnJob runs a fired job and returns its result text.
	OnJob func(job CronJob) (string, error)
	cron      *rcron.Cron
	entryMap  map[string]rcron.EntryID // job ID -> cron entry ID
	cancel    context.CancelFunc
	stopCh    chan struct{}
}

func NewService(storePath string) *Service {
	return &Service{
		storePath: storePath,
		entryMap:  make(map[string]rcron.EntryID),
	}
}

func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})
	s.mu.Lock()
	s.cancel = cancel
	s.stopCh = stopCh
	s.mu.Unlock()

	if err := s.load(); err != nil {
		log.Warnf("[cron] failed to load jobs: %v", err)
	}

	s.cron = rcron.New(rcron.WithParser(specParser))

	s.mu.Lock()
	for i := range s.jobs {
		if s.jobs[i].Enabled && s.jobs[i].Schedule.Kind == KindCron {
			s.registerJob(&s.jobs[i])
		}
	}
	s.mu.Unlock()

	s.cron.Start()
	log.Infof("[cron] started with %d jobs", len(s.jobs))

	// Handle "every" and "at" jobs in a separate goroutine
	go s.tickLoop(runCtx)

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
			return
		}
	}()

	return nil
}

func (s *Service) registerJob(job *CronJob) {
	jobCopy := *job
	id, err := s.cron.AddFunc(job.Schedule.Expr, func() {
		s.executeJob(jobCopy)
	})
	if err != nil {
		log.Errorf("[cron] failed to register job %s (%s): %v", job.Name, job.Schedule.Expr, err)
		return
	}
	s.entryMap[job.ID] = id
}

func (s *Service) executeJob(job CronJob) {
	log.Infof("[cron] executing job %s (%s)", job.Name, job.ID)

	if s.OnJob == nil {
		log.Warnf("[cron] no OnJob handler set")
		return
	}

	result, err := s.OnJob(job)

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.jobs {
		if s.jobs[i].ID == job.ID {
			jobID := s.jobs[i].ID
			s.jobs[i].State.LastRunAtMs = time.Now().UnixMilli()
			if err != nil {
				s.jobs[i].State.LastStatus = "error"
				s.jobs[i].State.LastError = err.Error()
				log.Errorf("[cron] job %s error: %v", job.Name, err)
			} else {
				s.jobs[i].State.LastStatus = "ok"
				s.jobs[i].State.LastError = ""
				log.Infof("[cron] job %s result: %s", job.Name, truncate(result, 100))
			}

			if s.jobs[i].DeleteAfterRun {
				if entryID, ok := s.entryMap[jobID]; ok && s.cron != nil {
					s.cron.Remove(entryID)
					delete(s.entryMap, jobID)
				}
				s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			}
			break
		}
	}

	_ = s.save()
}

func (s *Service) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, job := range s.dueJobs(time.Now().UnixMilli()) {
				s.executeJob(job)
			}
		case <-ctx.Done():
			return
		}
	}
}

// dueJobs returns copies of the every/at jobs due at now. At jobs are
// disabled so they fire once.
func (s *Service) dueJobs(now int64) []CronJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []CronJob
	for i := range s.jobs {
		job := &s.jobs[i]
		if !job.Enabled {
			continue
		}
		switch job.Schedule.Kind {
		case KindEvery:
			if job.Schedule.EveryMs > 0 && now >= job.State.LastRunAtMs+job.Schedule.EveryMs {
				due = append(due, *job)
			}
		case KindAt:
			if job.Schedule.AtMs > 0 && now >= job.Schedule.AtMs {
				job.Enabled = false
				due = append(due, *job)
			}
		}
	}
	return due
}

func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopCh := s.stopCh
	s.cancel = nil
	s.stopCh = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if stopCh != nil {
		close(stopCh)
	}

	if s.cron != nil {
		stopCtx := s.cron.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			log.Warnf("[cron] stop timeout waiting for running jobs")
		}
	}
	log.Infof("[cron] stopped")
}

func (s *Service) AddJob(name string, schedule Schedule, payload Payload) (*CronJob, error) {
	if err := ValidateSchedule(schedule); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job := NewCronJob(name, schedule, payload)
	s.jobs = append(s.jobs, job)

	if job.Schedule.Kind == KindCron && s.cron != nil {
		s.registerJob(&s.jobs[len(s.jobs)-1])
	}

	if err := s.save(); err != nil {
		return nil, fmt.Errorf("save jobs: %w", err)
	}

	return &job, nil
}

// EnsureJob adds a job unless one with the same name or message exists.
func (s *Service) EnsureJob(name string, schedule Schedule, payload Payload) (*CronJob, error) {
	s.mu.Lock()
	for _, job := range s.jobs {
		if job.Name == name || (payload.IsInternal() && job.Payload.Message == payload.Message) {
			s.mu.Unlock()
			return &job, nil
		}
	}
	s.mu.Unlock()
	return s.AddJob(name, schedule, payload)
}

func (s *Service) RemoveJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, job := range s.jobs {
		if job.ID == id {
			if entryID, ok := s.entryMap[id]; ok && s.cron != nil {
				s.cron.Remove(entryID)
				delete(s.entryMap, id)
			}
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			_ = s.save()
			return true
		}
	}
	return false
}

func (s *Service) ListJobs() []CronJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]CronJob, len(s.jobs))
	copy(result, s.jobs)
	return result
}

func (s *Service) EnableJob(id string, enabled bool) (*CronJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.jobs {
		if s.jobs[i].ID == id {
			s.jobs[i].Enabled = enabled
			if s.jobs[i].Schedule.Kind == KindCron && s.cron != nil {
				if enabled {
					if _, ok := s.entryMap[id]; !ok {
						s.registerJob(&s.jobs[i])
					}
				} else {
					if entryID, ok := s.entryMap[id]; ok {
						s.cron.Remove(entryID)
						delete(s.entryMap, id)
					}
				}
			}
			_ = s.save()
			job := s.jobs[i]
			return &job, nil
		}
	}
	return nil, fmt.Errorf("job %s not found", id)
}

func (s *Service) load() error {
	data, err := os.ReadFile(s.storePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := json.Unmarshal(data, &s.jobs); err != nil {
		return fmt.Errorf("parse %s: %w", s.storePath, err)
	}
	return nil
}

func (s *Service) save() error {
	dir := filepath.Dir(s.storePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.jobs, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.storePath, data, 0644)
}

var specParser = rcron.NewParser(rcron.Second | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor)

// ValidateSchedule checks a schedule before it is stored. Cron expressions
// carry a leading seconds field.
func ValidateSchedule(sc Schedule) error {
	switch sc.Kind {
	case KindCron:
		if _, err := specParser.Parse(sc.Expr); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", sc.Expr, err)
		}
	case KindEvery:
		if sc.EveryMs <= 0 {
			return fmt.Errorf("every schedule needs a positive interval")
		}
	case KindAt:
		if sc.AtMs <= 0 {
			return fmt.Errorf("at schedule needs a timestamp")
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", sc.Kind)
	}
	return nil
}

// truncate shortens s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
