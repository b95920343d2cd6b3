package bus

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/a2a_engine/internal/diag"
	"github.com/msageha/a2a_engine/internal/logging"
	"github.com/msageha/a2a_engine/internal/model"
	yamlutil "github.com/msageha/a2a_engine/internal/yaml"
)

// DeadLetter records a message that could not be delivered.
type DeadLetter struct {
	ID      string          `json:"id" yaml:"id"`
	Message model.Message   `json:"message" yaml:"-"`
	Reason  model.ErrorKind `json:"reason" yaml:"reason"`
	Detail  string          `json:"detail,omitempty" yaml:"detail,omitempty"`
	At      time.Time       `json:"at" yaml:"dead_lettered_at"`
}

// archivedDeadLetter is the on-disk form; the message is flattened so the
// YAML stays readable without a JSON decoder.
type archivedDeadLetter struct {
	yamlutil.SchemaHeader `yaml:",inline"`
	DeadLetter            `yaml:",inline"`
	MessageID             string `yaml:"message_id"`
	MessageType           string `yaml:"message_type"`
	Sender                string `yaml:"sender"`
	Recipient             string `yaml:"recipient"`
	TaskID                string `yaml:"task_id,omitempty"`
	Payload               string `yaml:"payload"`
}

// DeadLetterSink retains the most recent dead letters in memory and,
// when an archive directory is configured, writes each one to disk.
type DeadLetterSink struct {
	ring       *diag.Ring[DeadLetter]
	archiveDir string
	logger     *logging.Logger
}

func NewDeadLetterSink(capacity int, archiveDir string, logger *logging.Logger) *DeadLetterSink {
	if logger == nil {
		logger = logging.Discard()
	}
	return &DeadLetterSink{
		ring:       diag.NewRing[DeadLetter](capacity),
		archiveDir: archiveDir,
		logger:     logger.With("dead_letter"),
	}
}

// Record stores msg with reason. Archive failures are logged and do not
// prevent the in-memory record.
func (s *DeadLetterSink) Record(msg model.Message, reason model.ErrorKind, detail string) DeadLetter {
	dl := DeadLetter{
		ID:      uuid.NewString(),
		Message: msg,
		Reason:  reason,
		Detail:  detail,
		At:      time.Now().UTC(),
	}
	s.ring.Push(dl)
	s.logger.Warnf("message=%s type=%s recipient=%s task=%s reason=%s detail=%s",
		msg.ID, msg.Type, msg.Recipient, msg.TaskID, reason, detail)

	if s.archiveDir != "" {
		if err := s.archive(dl); err != nil {
			s.logger.Errorf("archive message=%s error=%v", msg.ID, err)
		}
	}
	return dl
}

func (s *DeadLetterSink) archive(dl DeadLetter) error {
	if err := os.MkdirAll(s.archiveDir, 0755); err != nil {
		return fmt.Errorf("create dead letter dir: %w", err)
	}
	doc := archivedDeadLetter{
		SchemaHeader: yamlutil.NewSchemaHeader(yamlutil.FileTypeDeadLetter),
		DeadLetter:   dl,
		MessageID:    dl.Message.ID,
		MessageType:  string(dl.Message.Type),
		Sender:       dl.Message.Sender,
		Recipient:    dl.Message.Recipient,
		TaskID:       dl.Message.TaskID,
		Payload:      string(dl.Message.Payload),
	}
	name := fmt.Sprintf("%s_%s_%s.yaml", dl.Reason, dl.At.Format("20060102T150405Z"), dl.ID[:8])
	return yamlutil.AtomicWrite(filepath.Join(s.archiveDir, name), doc)
}

// List returns retained dead letters, oldest first.
func (s *DeadLetterSink) List() []DeadLetter {
	return s.ring.Items()
}

// Total counts every dead letter recorded since start.
func (s *DeadLetterSink) Total() uint64 {
	return s.ring.Total()
}
