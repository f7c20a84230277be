package worker

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/andresmejia3/scribe/internal/engine"
	"github.com/andresmejia3/scribe/internal/utils" // Using the SafeCommand wrapper
	"github.com/vmihailenco/msgpack/v5"
)

// maxReplySize rejects corrupt length headers before allocating.
const maxReplySize = 64 * 1024 * 1024

// Config describes how to launch the external engine process.
type Config struct {
	// Command is the program and its arguments, e.g. ["python3", "-u", "engine/ocr_worker.py"].
	Command []string
	// Timeout bounds a single request/reply exchange. 0 waits forever.
	Timeout time.Duration
}

// reply is the msgpack body the engine writes back for every request.
type reply struct {
	Text     string `msgpack:"text"`
	OK       bool   `msgpack:"ok"`
	Error    string `msgpack:"error"`
	Terminal bool   `msgpack:"terminal"`
}

// ProcessWorker is a ProcessingUnit backed by a long-lived engine process.
type ProcessWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	cfg    Config
	broken bool
}

// NewProcessWorker spawns the engine process for worker id.
func NewProcessWorker(id int, cfg Config) (*ProcessWorker, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("worker %d: no engine command configured", id)
	}
	w := &ProcessWorker{ID: id, cfg: cfg}
	if err := w.spawn(); err != nil {
		return nil, err
	}
	return w, nil
}

// Factory returns an engine.Factory that spawns one process per worker.
func Factory(cfg Config) engine.Factory {
	return func(id int) (engine.Unit, error) {
		return NewProcessWorker(id, cfg)
	}
}

func (w *ProcessWorker) spawn() error {
	// 1. Initialize the SafeCommand
	py := utils.NewSafeCommand(w.cfg.Command[0], w.cfg.Command[1:]...)
	py.Env = append(os.Environ(), fmt.Sprintf("SCRIBE_WORKER_ID=%d", w.ID))

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{pw}

	stdin, err := py.StdinPipe()
	if err != nil {
		pw.Close() // Prevent FD leak
		r.Close()  // Close read-end too!
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		pw.Close() // Close write end if start fails
		r.Close()  // Close read-end too!
		return fmt.Errorf("worker %d failed to start: %w", w.ID, err)
	}

	// Close the write-end in the parent so only the child holds it
	pw.Close()

	w.Cmd = py
	w.Stdin = stdin
	w.DataPipe = r
	w.broken = false
	return nil
}

// Communicate performs one framed exchange with the engine.
func (w *ProcessWorker) Communicate(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	// Read Result from the clean DataPipe
	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch an engine that crashed on startup
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxReplySize {
		return nil, fmt.Errorf("reply of %d bytes exceeds limit", respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// Recognize sends one image to the engine and decodes its reply. A worker
// whose process died is respawned before the exchange.
func (w *ProcessWorker) Recognize(image []byte) engine.Outcome {
	if w.broken {
		w.kill()
		w.Close()
		if err := w.spawn(); err != nil {
			return engine.Failed(fmt.Sprintf("restart engine: %v", err))
		}
	}

	type exchange struct {
		body []byte
		err  error
	}
	done := make(chan exchange, 1)
	go func() {
		body, err := w.Communicate(image)
		done <- exchange{body: body, err: err}
	}()

	var ex exchange
	if w.cfg.Timeout > 0 {
		timer := time.NewTimer(w.cfg.Timeout)
		defer timer.Stop()
		select {
		case ex = <-done:
		case <-timer.C:
			// Killing the process unblocks the pending read.
			w.kill()
			<-done
			ex.err = fmt.Errorf("no reply within %s", w.cfg.Timeout)
		}
	} else {
		ex = <-done
	}

	if ex.err != nil {
		w.broken = true
		return engine.Failed(w.describe(ex.err))
	}
	return decodeReply(ex.body)
}

func decodeReply(body []byte) engine.Outcome {
	var r reply
	if err := msgpack.Unmarshal(body, &r); err != nil {
		return engine.Failed(fmt.Sprintf("malformed engine reply: %v", err))
	}
	if r.OK {
		return engine.Recognized(r.Text)
	}
	if r.Error == "" {
		r.Error = "engine reported failure"
	}
	return engine.Outcome{ErrorMessage: r.Error, Terminal: r.Terminal}
}

// describe attaches the last stderr line of the engine, if any, to err.
func (w *ProcessWorker) describe(err error) string {
	msg := fmt.Sprintf("engine worker %d: %v", w.ID, err)
	if w.Cmd == nil || w.Cmd.Stderr.Len() == 0 {
		return msg
	}
	lines := strings.Split(strings.TrimSpace(w.Cmd.Stderr.String()), "\n")
	return msg + ": " + lines[len(lines)-1]
}

func (w *ProcessWorker) kill() {
	if w.Cmd != nil && w.Cmd.Process != nil {
		w.Cmd.Process.Kill()
	}
}

// Close shuts the pipes and reaps the engine process.
func (w *ProcessWorker) Close() error {
	if w.Stdin != nil {
		w.Stdin.Close()
	}
	if w.DataPipe != nil {
		w.DataPipe.Close()
	}
	if w.Cmd == nil || w.Cmd.Process == nil {
		return nil
	}
	err := w.Cmd.Wait()
	w.Cmd = nil
	return err
}
