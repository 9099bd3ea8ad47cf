package audit

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"govfabric/internal/taskfile"
)

// Checkpoint is the processor's resume point into the events file.
type Checkpoint struct {
	ByteOffset      int64   `json:"byte_offset"`
	EventCount      int64   `json:"event_count"`
	LastProcessedTs float64 `json:"last_processed_ts"`
	Runs            int64   `json:"runs"`
}

// EscalationSpawner starts the escalation chain. Production detaches a
// process reading the pending-anomalies file; tests run the chain inline.
type EscalationSpawner interface {
	SpawnEscalation(pendingFile string) error
}

// ProcessorConfig configures one processor run.
type ProcessorConfig struct {
	EventsFile     string
	CheckpointFile string
	LockFile       string
	PendingFile    string

	// RotateBytes triggers gzip rotation of the events file. Zero means
	// 10 MB.
	RotateBytes int64

	// Retention bounds pruning. Zero means 30 days.
	Retention time.Duration

	// PruneEvery prunes old aggregates every N runs. Zero means 100.
	PruneEvery int64

	// MaxEventWindow caps the event slice handed to the escalation chain.
	// Zero means 200.
	MaxEventWindow int

	// LLMAnalysis enables the escalation spawn on anomalies.
	LLMAnalysis bool
}

func (c *ProcessorConfig) applyDefaults() {
	if c.RotateBytes <= 0 {
		c.RotateBytes = 10 << 20
	}
	if c.Retention <= 0 {
		c.Retention = 30 * 24 * time.Hour
	}
	if c.PruneEvery <= 0 {
		c.PruneEvery = 100
	}
	if c.MaxEventWindow <= 0 {
		c.MaxEventWindow = 200
	}
	if c.CheckpointFile == "" {
		c.CheckpointFile = c.EventsFile + ".checkpoint"
	}
	if c.LockFile == "" {
		c.LockFile = c.EventsFile + ".lock"
	}
	if c.PendingFile == "" {
		c.PendingFile = filepath.Join(filepath.Dir(c.EventsFile), "pending-anomalies.json")
	}
}

// Processor drains new events from the events file into the statistics
// store, runs anomaly detection, and hands warning-level anomalies to the
// escalation chain.
type Processor struct {
	cfg      ProcessorConfig
	stats    *Stats
	detector *Detector
	spawner  EscalationSpawner
}

// NewProcessor creates a processor.
func NewProcessor(cfg ProcessorConfig, stats *Stats, detector *Detector, spawner EscalationSpawner) *Processor {
	cfg.applyDefaults()
	return &Processor{cfg: cfg, stats: stats, detector: detector, spawner: spawner}
}

// RunResult reports what a processor run did.
type RunResult struct {
	Skipped   bool      `json:"skipped"` // another processor held the lock
	Processed int       `json:"processed"`
	Corrupt   int       `json:"corrupt"`
	Anomalies []Anomaly `json:"anomalies,omitempty"`
	Escalated bool      `json:"escalated"`
	Rotated   bool      `json:"rotated"`
	Pruned    bool      `json:"pruned"`
}

// Run performs one processing pass. Single-writer: if another processor
// holds the lock, the run is a clean no-op.
func (p *Processor) Run(ctx context.Context) (*RunResult, error) {
	unlock, ok, err := taskfile.TryLockExclusive(p.cfg.LockFile)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &RunResult{Skipped: true}, nil
	}
	defer unlock()

	cp, err := p.readCheckpoint()
	if err != nil {
		return nil, err
	}

	events, newOffset, corrupt, err := p.drain(cp.ByteOffset)
	if err != nil {
		return nil, err
	}
	res := &RunResult{Processed: len(events), Corrupt: corrupt}

	summary, err := p.stats.IngestBatch(ctx, events)
	if err != nil {
		return nil, err
	}

	if len(events) > 0 {
		anomalies := p.detector.Detect(summary)
		res.Anomalies = anomalies

		var escalating []Anomaly
		for i := range anomalies {
			if anomalies[i].Severity.Escalates() {
				anomalies[i].Escalated = p.cfg.LLMAnalysis
				escalating = append(escalating, anomalies[i])
			}
			if err := p.stats.RecordAnomaly(ctx, &anomalies[i]); err != nil {
				slog.Warn("audit: anomaly record failed", "id", anomalies[i].ID, "err", err)
			}
		}
		if len(escalating) > 0 && p.cfg.LLMAnalysis {
			if err := p.writePending(escalating, events); err != nil {
				slog.Warn("audit: pending-anomalies write failed", "err", err)
			} else if err := p.spawner.SpawnEscalation(p.cfg.PendingFile); err != nil {
				slog.Warn("audit: escalation spawn failed", "err", err)
			} else {
				res.Escalated = true
			}
		}
	}

	cp.ByteOffset = newOffset
	cp.EventCount += int64(len(events))
	if len(events) > 0 {
		cp.LastProcessedTs = events[len(events)-1].Ts
	}
	cp.Runs++

	if cp.Runs%p.cfg.PruneEvery == 0 {
		if err := p.stats.Prune(ctx, time.Now().Add(-p.cfg.Retention)); err != nil {
			slog.Warn("audit: prune failed", "err", err)
		} else {
			res.Pruned = true
		}
	}

	rotated, rotatedOffset, err := p.maybeRotate(newOffset)
	if err != nil {
		slog.Warn("audit: rotation failed", "err", err)
	} else if rotated {
		res.Rotated = true
		cp.ByteOffset = rotatedOffset
	}

	if err := p.writeCheckpoint(cp); err != nil {
		return nil, err
	}
	return res, nil
}

// drain reads events from offset to EOF. A shrunken file (rotation by an
// earlier run) resets the offset to zero. Corrupt lines are counted and
// skipped. An unterminated final line is a write still in flight: it is left
// unconsumed so the returned offset never overshoots the terminated data.
func (p *Processor) drain(offset int64) ([]Event, int64, int, error) {
	f, err := os.Open(p.cfg.EventsFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, 0, nil
		}
		return nil, 0, 0, fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("stat events file: %w", err)
	}
	if info.Size() < offset {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, 0, 0, fmt.Errorf("seek events file: %w", err)
	}

	var (
		events  []Event
		corrupt int
		read    int64
	)
	r := bufio.NewReaderSize(f, 64*1024)
	for {
		line, err := r.ReadBytes('\n')
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, 0, fmt.Errorf("read events file: %w", err)
		}
		read += int64(len(line))
		line = bytes.TrimRight(line, "\n")
		if len(line) == 0 {
			continue
		}
		var ev Event
		if jsonErr := json.Unmarshal(line, &ev); jsonErr != nil || ev.Type == "" {
			corrupt++
			continue
		}
		events = append(events, ev)
	}
	return events, offset + read, corrupt, nil
}

// maybeRotate compresses the events file into a timestamped sibling and
// truncates the original once it exceeds the size threshold. Returns the
// checkpoint offset to use afterwards.
func (p *Processor) maybeRotate(offset int64) (bool, int64, error) {
	info, err := os.Stat(p.cfg.EventsFile)
	if err != nil {
		if os.IsNotExist(err) {
			return false, offset, nil
		}
		return false, offset, err
	}
	if info.Size() < p.cfg.RotateBytes {
		return false, offset, nil
	}
	// Unprocessed bytes past the checkpoint would be lost; let the next run
	// drain them first.
	if offset < info.Size() {
		return false, offset, nil
	}

	src, err := os.Open(p.cfg.EventsFile)
	if err != nil {
		return false, offset, err
	}
	defer src.Close()

	rotated := fmt.Sprintf("%s.%s.gz", p.cfg.EventsFile, time.Now().UTC().Format("20060102T150405"))
	dst, err := os.Create(rotated)
	if err != nil {
		return false, offset, err
	}
	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		gz.Close()
		dst.Close()
		os.Remove(rotated)
		return false, offset, err
	}
	if err := gz.Close(); err != nil {
		dst.Close()
		os.Remove(rotated)
		return false, offset, err
	}
	if err := dst.Close(); err != nil {
		os.Remove(rotated)
		return false, offset, err
	}

	if err := os.Truncate(p.cfg.EventsFile, 0); err != nil {
		return false, offset, err
	}
	slog.Info("audit: rotated events file", "archive", rotated)
	return true, 0, nil
}

func (p *Processor) readCheckpoint() (*Checkpoint, error) {
	data, err := os.ReadFile(p.cfg.CheckpointFile)
	if err != nil {
		if os.IsNotExist(err) {
			return &Checkpoint{}, nil
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		// Corrupt checkpoint: start over rather than wedge the pipeline.
		slog.Warn("audit: corrupt checkpoint, resetting", "err", err)
		return &Checkpoint{}, nil
	}
	return &cp, nil
}

func (p *Processor) writeCheckpoint(cp *Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	tmp := p.cfg.CheckpointFile + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, p.cfg.CheckpointFile); err != nil {
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	return nil
}

// PendingAnomalies is the handoff payload between the processor and the
// detached escalation process.
type PendingAnomalies struct {
	WrittenAt time.Time `json:"written_at"`
	Anomalies []Anomaly `json:"anomalies"`
	Events    []Event   `json:"events"`
}

func (p *Processor) writePending(anomalies []Anomaly, events []Event) error {
	if len(events) > p.cfg.MaxEventWindow {
		events = events[len(events)-p.cfg.MaxEventWindow:]
	}
	payload := PendingAnomalies{
		WrittenAt: time.Now().UTC(),
		Anomalies: anomalies,
		Events:    events,
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal pending anomalies: %w", err)
	}
	tmp := p.cfg.PendingFile + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("write pending anomalies: %w", err)
	}
	if err := os.Rename(tmp, p.cfg.PendingFile); err != nil {
		return fmt.Errorf("replace pending anomalies: %w", err)
	}
	return nil
}

// ReadPendingAnomalies loads the handoff file written by the processor.
func ReadPendingAnomalies(path string) (*PendingAnomalies, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pending anomalies: %w", err)
	}
	var payload PendingAnomalies
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("parse pending anomalies: %w", err)
	}
	return &payload, nil
}

// ExecEscalationSpawner launches the escalation chain as a detached
// process.
type ExecEscalationSpawner struct {
	// Binary is the auditproc binary; it is invoked with -escalate and the
	// pending file path.
	Binary     string
	ConfigPath string
}

func (s *ExecEscalationSpawner) SpawnEscalation(pendingFile string) error {
	return detachProcess(s.Binary, "-escalate", pendingFile, "-config", s.ConfigPath)
}

// InlineEscalationSpawner runs the chain in-process. Used by tests.
type InlineEscalationSpawner struct {
	Chain *Chain
}

func (s *InlineEscalationSpawner) SpawnEscalation(pendingFile string) error {
	payload, err := ReadPendingAnomalies(pendingFile)
	if err != nil {
		return err
	}
	_, err = s.Chain.Run(context.Background(), payload.Anomalies, payload.Events)
	return err
}
