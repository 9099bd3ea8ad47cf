package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// JobStatus is a job's lifecycle state.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Job is one queued unit of LLM work, persisted as a JSON file.
type Job struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	Kind        string     `json:"kind"`
	Prompt      string     `json:"prompt"`
	Model       string     `json:"model,omitempty"`
	Status      JobStatus  `json:"status"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// JobRunner is a single-concurrency FIFO queue per project. Jobs execute by
// launching the external LLM CLI with temp-file I/O.
type JobRunner struct {
	dir     string
	cliPath string
	timeout time.Duration

	mu    sync.Mutex
	queue []string // job ids, FIFO
	jobs  map[string]*Job

	wake chan struct{}
	done chan struct{}
}

// NewJobRunner creates a runner persisting jobs under dir. Jobs found in
// running state are marked failed: a restart killed their process.
func NewJobRunner(dir, cliPath string, timeout time.Duration) (*JobRunner, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create jobs directory: %w", err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	r := &JobRunner{
		dir:     dir,
		cliPath: cliPath,
		timeout: timeout,
		jobs:    map[string]*Job{},
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if err := r.recover(); err != nil {
		return nil, err
	}
	return r, nil
}

// recover loads persisted jobs, failing any that were running when the
// previous gateway died and re-queueing the queued ones in creation order.
func (r *JobRunner) recover() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("read jobs directory: %w", err)
	}
	var queued []*Job
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.dir, entry.Name()))
		if err != nil {
			continue
		}
		var job Job
		if err := json.Unmarshal(data, &job); err != nil {
			slog.Warn("jobs: skipping unparseable job file", "file", entry.Name(), "err", err)
			continue
		}
		if job.Status == JobRunning {
			job.Status = JobFailed
			job.Error = "gateway restarted while job was running"
			now := time.Now().UTC()
			job.CompletedAt = &now
			if err := r.persist(&job); err != nil {
				slog.Warn("jobs: failing interrupted job", "id", job.ID, "err", err)
			}
		}
		r.jobs[job.ID] = &job
		if job.Status == JobQueued {
			queued = append(queued, &job)
		}
	}
	sort.Slice(queued, func(i, j int) bool { return queued[i].CreatedAt.Before(queued[j].CreatedAt) })
	for _, job := range queued {
		r.queue = append(r.queue, job.ID)
	}
	return nil
}

// Start launches the worker loop. Stop with Close.
func (r *JobRunner) Start() {
	go r.loop()
}

// Close stops the worker after the current job.
func (r *JobRunner) Close() { close(r.done) }

// Submit queues a job.
func (r *JobRunner) Submit(projectID, kind, prompt, model string) (*Job, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("job prompt is required")
	}
	job := &Job{
		ID:        "job_" + uuid.New().String()[:8],
		ProjectID: projectID,
		Kind:      kind,
		Prompt:    prompt,
		Model:     model,
		Status:    JobQueued,
		CreatedAt: time.Now().UTC(),
	}
	r.mu.Lock()
	r.jobs[job.ID] = job
	r.queue = append(r.queue, job.ID)
	err := r.persist(job)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return job, nil
}

// Get returns a job snapshot by id, or nil.
func (r *JobRunner) Get(id string) *Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[id]; ok {
		j := *job
		return &j
	}
	return nil
}

// List returns all jobs, newest first.
func (r *JobRunner) List() []Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Cancel cancels a job. A queued job is dropped from the queue; a running
// job is marked cancelled on the record but its subprocess is not killed.
func (r *JobRunner) Cancel(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("job %q not found", id)
	}
	switch job.Status {
	case JobQueued:
		for i, qid := range r.queue {
			if qid == id {
				r.queue = append(r.queue[:i], r.queue[i+1:]...)
				break
			}
		}
		fallthrough
	case JobRunning:
		job.Status = JobCancelled
		now := time.Now().UTC()
		job.CompletedAt = &now
		return r.persist(job)
	default:
		return fmt.Errorf("job %q is already %s", id, job.Status)
	}
}

func (r *JobRunner) loop() {
	for {
		job := r.dequeue()
		if job == nil {
			select {
			case <-r.wake:
				continue
			case <-r.done:
				return
			}
		}
		r.execute(job)
	}
}

func (r *JobRunner) dequeue() *Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.queue) > 0 {
		id := r.queue[0]
		r.queue = r.queue[1:]
		job, ok := r.jobs[id]
		if !ok || job.Status != JobQueued {
			continue
		}
		job.Status = JobRunning
		now := time.Now().UTC()
		job.StartedAt = &now
		if err := r.persist(job); err != nil {
			slog.Warn("jobs: persist on start failed", "id", job.ID, "err", err)
		}
		j := *job
		return &j
	}
	return nil
}

// execute runs the external CLI with the prompt on a temp file, capturing
// output to a second temp file.
func (r *JobRunner) execute(snapshot *Job) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	result, err := r.runCLI(ctx, snapshot)

	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[snapshot.ID]
	if !ok {
		return
	}
	if job.Status == JobCancelled {
		return // cancelled mid-run; keep that status
	}
	now := time.Now().UTC()
	job.CompletedAt = &now
	if err != nil {
		job.Status = JobFailed
		job.Error = err.Error()
		if ctx.Err() == context.DeadlineExceeded {
			job.Error = fmt.Sprintf("timed out after %s", r.timeout)
		}
	} else {
		job.Status = JobCompleted
		job.Result = result
	}
	if perr := r.persist(job); perr != nil {
		slog.Warn("jobs: persist on completion failed", "id", job.ID, "err", perr)
	}
}

func (r *JobRunner) runCLI(ctx context.Context, job *Job) (string, error) {
	in, err := os.CreateTemp("", "govfabric-job-in-*.txt")
	if err != nil {
		return "", fmt.Errorf("create prompt file: %w", err)
	}
	defer os.Remove(in.Name())
	if _, err := in.WriteString(job.Prompt); err != nil {
		in.Close()
		return "", fmt.Errorf("write prompt file: %w", err)
	}
	if _, err := in.Seek(0, 0); err != nil {
		in.Close()
		return "", fmt.Errorf("rewind prompt file: %w", err)
	}

	out, err := os.CreateTemp("", "govfabric-job-out-*.txt")
	if err != nil {
		in.Close()
		return "", fmt.Errorf("create output file: %w", err)
	}
	defer os.Remove(out.Name())

	args := []string{"-p"}
	if job.Model != "" {
		args = append(args, "--model", job.Model)
	}
	cmd := exec.CommandContext(ctx, r.cliPath, args...)
	cmd.Stdin = in
	cmd.Stdout = out
	cmd.Stderr = out
	runErr := cmd.Run()
	in.Close()
	out.Close()

	data, readErr := os.ReadFile(out.Name())
	if runErr != nil {
		detail := strings.TrimSpace(string(data))
		if detail != "" {
			return "", fmt.Errorf("cli failed: %s", detail)
		}
		return "", fmt.Errorf("cli failed: %w", runErr)
	}
	if readErr != nil {
		return "", fmt.Errorf("read output file: %w", readErr)
	}
	return strings.TrimSpace(string(data)), nil
}

func (r *JobRunner) persist(job *Job) error {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job %q: %w", job.ID, err)
	}
	path := filepath.Join(r.dir, job.ID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("write job %q: %w", job.ID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace job %q: %w", job.ID, err)
	}
	return nil
}
