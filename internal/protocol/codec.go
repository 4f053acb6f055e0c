package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// maxLineBytes bounds a single message. Documents travel inside task args, so this is generous.
const maxLineBytes = 64 * 1024 * 1024

// ErrLineTooLong is returned when a peer writes a message larger than maxLineBytes.
var ErrLineTooLong = errors.New("protocol: message exceeds size limit")

// Encoder writes newline-delimited messages.
type Encoder struct {
	enc *json.Encoder
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &Encoder{enc: enc}
}

// EncodeTask writes a task request.
func (e *Encoder) EncodeTask(task *Task) error {
	if task.Protocol != Version {
		return fmt.Errorf("unsupported protocol version: %d", task.Protocol)
	}
	if task.TaskID == "" {
		return fmt.Errorf("task missing required field: task_id")
	}
	if err := e.enc.Encode(task); err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}
	return nil
}

// EncodeMessage writes a worker message.
func (e *Encoder) EncodeMessage(msg *Message) error {
	if msg.Protocol != Version {
		return fmt.Errorf("unsupported protocol version: %d", msg.Protocol)
	}
	if err := validateMessage(msg); err != nil {
		return err
	}
	if err := e.enc.Encode(msg); err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	return nil
}

// Decoder reads newline-delimited messages.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &Decoder{scanner: scanner}
}

func (d *Decoder) next() ([]byte, error) {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
	if err := d.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, ErrLineTooLong
		}
		return nil, fmt.Errorf("read message: %w", err)
	}
	return nil, io.EOF
}

// DecodeTask reads the next task. It returns io.EOF when the parent closed the stream.
func (d *Decoder) DecodeTask() (*Task, error) {
	line, err := d.next()
	if err != nil {
		return nil, err
	}
	var task Task
	if err := strictUnmarshal(line, &task); err != nil {
		return nil, fmt.Errorf("failed to decode task: %w", err)
	}
	if task.Protocol != Version {
		return nil, fmt.Errorf("unsupported protocol version: %d", task.Protocol)
	}
	if task.TaskID == "" {
		return nil, fmt.Errorf("task missing required field: task_id")
	}
	return &task, nil
}

// DecodeMessage reads the next worker message. It returns io.EOF when the worker closed stdout.
func (d *Decoder) DecodeMessage() (*Message, error) {
	line, err := d.next()
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := strictUnmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	if msg.Protocol != Version {
		return nil, fmt.Errorf("unsupported protocol version: %d", msg.Protocol)
	}
	if err := validateMessage(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func validateMessage(msg *Message) error {
	switch msg.Kind {
	case KindReady:
		return nil
	case KindStartupError:
		if msg.Error == "" {
			return fmt.Errorf("message has kind=%s but no error", msg.Kind)
		}
		return nil
	case KindResult:
		if msg.TaskID == "" {
			return fmt.Errorf("message has kind=%s but no task_id", msg.Kind)
		}
		return nil
	case KindFailure:
		if msg.TaskID == "" {
			return fmt.Errorf("message has kind=%s but no task_id", msg.Kind)
		}
		if msg.Error == "" {
			return fmt.Errorf("message has kind=%s but no error", msg.Kind)
		}
		return nil
	case "":
		return fmt.Errorf("message missing required field: kind")
	default:
		return fmt.Errorf("invalid kind value: %q", msg.Kind)
	}
}
