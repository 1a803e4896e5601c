package channel

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// TextPlaceholder in a speaker argument is replaced with the announcement text
const TextPlaceholder = "{text}"

// ProcessSpeaker speaks through an external text-to-speech command such as
// espeak or say. Pause and resume suspend the child process.
type ProcessSpeaker struct {
	logger  *zap.Logger
	command string
	args    []string

	mu      sync.Mutex
	token   Token
	cmd     *exec.Cmd
	stopped bool
}

// NewProcessSpeaker creates a speaker running command with args. When no
// argument carries TextPlaceholder the text is appended as the last argument.
func NewProcessSpeaker(command string, args []string, logger *zap.Logger) *ProcessSpeaker {
	return &ProcessSpeaker{
		logger:  logger.Named("speaker"),
		command: command,
		args:    args,
	}
}

func (s *ProcessSpeaker) buildArgs(text string) []string {
	args := make([]string, 0, len(s.args)+1)
	substituted := false
	for _, a := range s.args {
		if strings.Contains(a, TextPlaceholder) {
			a = strings.ReplaceAll(a, TextPlaceholder, text)
			substituted = true
		}
		args = append(args, a)
	}
	if !substituted {
		args = append(args, text)
	}
	return args
}

// Play starts the speech process. Any current playback is killed first.
func (s *ProcessSpeaker) Play(ctx context.Context, text string, onComplete CompletionFunc) (Token, error) {
	if text == "" {
		return "", ErrEmptyText
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil {
		s.killLocked()
	}

	cmd := exec.CommandContext(ctx, s.command, s.buildArgs(text)...)
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start %s: %w", s.command, err)
	}

	token := newToken()
	s.token = token
	s.cmd = cmd
	s.stopped = false

	s.logger.Info("Speech started",
		zap.String("token", string(token)),
		zap.Int("pid", cmd.Process.Pid))

	go s.wait(token, cmd, onComplete)
	return token, nil
}

func (s *ProcessSpeaker) wait(token Token, cmd *exec.Cmd, onComplete CompletionFunc) {
	err := cmd.Wait()

	s.mu.Lock()
	stopped := s.stopped && s.token == token
	if s.token == token {
		s.token = ""
		s.cmd = nil
		s.stopped = false
	} else {
		// superseded by a newer Play
		stopped = true
	}
	s.mu.Unlock()

	if stopped {
		err = ErrStopped
	} else if err != nil {
		s.logger.Warn("Speech process failed", zap.String("token", string(token)), zap.Error(err))
	}
	if onComplete != nil {
		onComplete(token, err)
	}
}

func (s *ProcessSpeaker) process(token Token) (*process.Process, error) {
	if token != s.token || s.cmd == nil || s.cmd.Process == nil {
		return nil, ErrUnknownToken
	}
	return process.NewProcess(int32(s.cmd.Process.Pid))
}

// Pause suspends the speech process
func (s *ProcessSpeaker) Pause(token Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.process(token)
	if err != nil {
		return err
	}
	if err := p.Suspend(); err != nil {
		return fmt.Errorf("failed to suspend speech: %w", err)
	}
	return nil
}

// Resume continues a suspended speech process
func (s *ProcessSpeaker) Resume(token Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.process(token)
	if err != nil {
		return err
	}
	if err := p.Resume(); err != nil {
		return fmt.Errorf("failed to resume speech: %w", err)
	}
	return nil
}

// Stop kills the speech process; its completion reports ErrStopped
func (s *ProcessSpeaker) Stop(token Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if token != s.token || s.cmd == nil {
		return ErrUnknownToken
	}
	s.killLocked()
	return nil
}

func (s *ProcessSpeaker) killLocked() {
	s.stopped = true
	p, err := process.NewProcess(int32(s.cmd.Process.Pid))
	if err != nil {
		// already exited
		return
	}
	if err := p.Kill(); err != nil {
		s.logger.Warn("Failed to kill speech process", zap.Error(err))
	}
}
