package scraping

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"velomarket/server/internal/models"
	"velomarket/server/internal/queue"
)

// AdSink receives batches of raw ads; the ingestion queue satisfies it.
type AdSink interface {
	Push(batch []models.RawAd) error
}

// CollectParams is sent to the collector script on stdin.
type CollectParams struct {
	Platform models.Platform `json:"platform"`
	Query    string          `json:"query"`
	MaxPages *int            `json:"max_pages,omitempty"`
	// RefillTaskID links a run to the refill task that requested it
	RefillTaskID string `json:"refill_task_id,omitempty"`
}

// CollectorMessage is one JSON line printed by the collector script.
type CollectorMessage struct {
	Type string          `json:"type"` // "items", "complete", or "error"
	Data json.RawMessage `json:"data"`
}

// RunStats summarises one collector run.
type RunStats struct {
	Batches  int
	Items    int
	Rejected int
}

// SpiderManager runs the external collector and forwards what it scrapes.
type SpiderManager struct {
	logger     *logrus.Logger
	command    string
	scriptPath string
	sink       AdSink
	pushWait   time.Duration
	maxBatch   int
}

func NewSpiderManager(command, script string, sink AdSink, logger *logrus.Logger) *SpiderManager {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}

	absPath, err := filepath.Abs(script)
	if err != nil {
		logger.WithError(err).Error("Failed to get absolute path to collector script")
		absPath = script
	}

	return &SpiderManager{
		logger:     logger,
		command:    command,
		scriptPath: absPath,
		sink:       sink,
		pushWait:   200 * time.Millisecond,
		maxBatch:   100,
	}
}

// SetMaxBatchSize caps how many ads go into one queued batch.
func (m *SpiderManager) SetMaxBatchSize(n int) {
	if n > 0 {
		m.maxBatch = n
	}
}

// Run executes the collector and blocks until it exits or ctx is done.
func (m *SpiderManager) Run(ctx context.Context, params CollectParams) (RunStats, error) {
	m.logger.WithFields(logrus.Fields{
		"platform":  params.Platform,
		"query":     params.Query,
		"max_pages": params.MaxPages,
	}).Info("Starting collector")

	inputData, err := json.Marshal(params)
	if err != nil {
		return RunStats{}, fmt.Errorf("failed to marshal collector parameters: %w", err)
	}

	cmd := exec.CommandContext(ctx, m.command, m.scriptPath)
	cmd.Stdin = bytes.NewBuffer(inputData)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return RunStats{}, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return RunStats{}, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return RunStats{}, fmt.Errorf("failed to start collector: %w", err)
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			m.logger.WithField("stream", "stderr").Warn(scanner.Text())
		}
	}()

	// Stdout must be fully read before Wait closes the pipe
	stats := m.consume(ctx, stdout)

	if err := cmd.Wait(); err != nil {
		return stats, fmt.Errorf("collector execution failed: %w", err)
	}
	return stats, nil
}

// RunRefill collects fresh listings for a refill task.
func (m *SpiderManager) RunRefill(ctx context.Context, task models.RefillTask) (RunStats, error) {
	return m.Run(ctx, CollectParams{
		Query:        task.Brand + " " + task.Model,
		RefillTaskID: task.ID,
	})
}

func (m *SpiderManager) consume(ctx context.Context, r io.Reader) RunStats {
	var stats RunStats
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)

	for scanner.Scan() {
		msg, err := ParseMessage(scanner.Bytes())
		if err != nil {
			m.logger.WithError(err).Error("Failed to parse collector message")
			continue
		}

		switch msg.Type {
		case "items":
			var items []models.RawAd
			if err := json.Unmarshal(msg.Data, &items); err != nil {
				m.logger.WithError(err).Error("Failed to parse items")
				continue
			}
			if len(items) == 0 {
				continue
			}
			if err := m.push(ctx, items); err != nil {
				stats.Rejected += len(items)
				m.logger.WithError(err).WithField("batch_size", len(items)).Error("Failed to queue items")
				continue
			}
			stats.Batches++
			stats.Items += len(items)

		case "complete":
			var complete struct {
				Status     string `json:"status"`
				Message    string `json:"message"`
				TotalItems int    `json:"total_items"`
			}
			if err := json.Unmarshal(msg.Data, &complete); err != nil {
				m.logger.WithError(err).Error("Failed to parse completion message")
				continue
			}
			m.logger.WithFields(logrus.Fields{
				"status":      complete.Status,
				"message":     complete.Message,
				"total_items": complete.TotalItems,
			}).Info("Collector completed")

		case "error":
			var errMsg struct {
				Status  string `json:"status"`
				Message string `json:"message"`
			}
			if err := json.Unmarshal(msg.Data, &errMsg); err != nil {
				m.logger.WithError(err).Error("Failed to parse error message")
				continue
			}
			m.logger.WithField("message", errMsg.Message).Error("Collector error")
		}
	}
	if err := scanner.Err(); err != nil {
		m.logger.WithError(err).Error("Scanner error")
	}
	return stats
}

// push splits items into batches of at most maxBatch and waits for room in a
// full queue until ctx is done.
func (m *SpiderManager) push(ctx context.Context, items []models.RawAd) error {
	for len(items) > m.maxBatch {
		if err := m.pushBatch(ctx, items[:m.maxBatch]); err != nil {
			return err
		}
		items = items[m.maxBatch:]
	}
	return m.pushBatch(ctx, items)
}

func (m *SpiderManager) pushBatch(ctx context.Context, items []models.RawAd) error {
	for {
		err := m.sink.Push(items)
		if !errors.Is(err, queue.ErrQueueFull) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.pushWait):
		}
	}
}

// ParseMessage decodes one collector output line.
func ParseMessage(line []byte) (CollectorMessage, error) {
	var msg CollectorMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return msg, err
	}
	switch msg.Type {
	case "items", "complete", "error":
		return msg, nil
	}
	return msg, fmt.Errorf("unknown message type %q", msg.Type)
}
