// Package channeltest provides an in-memory announcement channel for tests.
package channeltest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/t77yq/hazard-announcer/internal/channel"
)

// Playback is one recorded Play call
type Playback struct {
	Token channel.Token
	Text  string
}

// Channel records playbacks and completes them only when told to
type Channel struct {
	mu        sync.Mutex
	playbacks []Playback
	pending   map[channel.Token]channel.CompletionFunc
	paused    map[channel.Token]bool
	stopped   []channel.Token
	failNext  error
	seq       int
}

// New creates an empty channel
func New() *Channel {
	return &Channel{
		pending: make(map[channel.Token]channel.CompletionFunc),
		paused:  make(map[channel.Token]bool),
	}
}

// FailNext makes the next Play return err
func (c *Channel) FailNext(err error) {
	c.mu.Lock()
	c.failNext = err
	c.mu.Unlock()
}

func (c *Channel) Play(_ context.Context, text string, onComplete channel.CompletionFunc) (channel.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.failNext; err != nil {
		c.failNext = nil
		return "", err
	}
	c.seq++
	token := channel.Token(fmt.Sprintf("play-%d", c.seq))
	c.playbacks = append(c.playbacks, Playback{Token: token, Text: text})
	c.pending[token] = onComplete
	return token, nil
}

func (c *Channel) Pause(token channel.Token) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[token]; !ok {
		return channel.ErrUnknownToken
	}
	c.paused[token] = true
	return nil
}

func (c *Channel) Resume(token channel.Token) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[token]; !ok {
		return channel.ErrUnknownToken
	}
	delete(c.paused, token)
	return nil
}

func (c *Channel) Stop(token channel.Token) error {
	c.mu.Lock()
	cb, ok := c.pending[token]
	if !ok {
		c.mu.Unlock()
		return channel.ErrUnknownToken
	}
	delete(c.pending, token)
	c.stopped = append(c.stopped, token)
	c.mu.Unlock()

	if cb != nil {
		cb(token, channel.ErrStopped)
	}
	return nil
}

// Complete finishes the most recent pending playback with err
func (c *Channel) Complete(err error) error {
	c.mu.Lock()
	var token channel.Token
	for i := len(c.playbacks) - 1; i >= 0; i-- {
		if _, ok := c.pending[c.playbacks[i].Token]; ok {
			token = c.playbacks[i].Token
			break
		}
	}
	if token == "" {
		c.mu.Unlock()
		return errors.New("no pending playback")
	}
	cb := c.pending[token]
	delete(c.pending, token)
	c.mu.Unlock()

	if cb != nil {
		cb(token, err)
	}
	return nil
}

// Playbacks returns every Play call so far
func (c *Channel) Playbacks() []Playback {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Playback(nil), c.playbacks...)
}

// Texts returns the text of every Play call so far
func (c *Channel) Texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	texts := make([]string, len(c.playbacks))
	for i, p := range c.playbacks {
		texts[i] = p.Text
	}
	return texts
}

// Paused reports whether token is paused
func (c *Channel) Paused(token channel.Token) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused[token]
}

// Stopped returns the tokens passed to Stop
func (c *Channel) Stopped() []channel.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]channel.Token(nil), c.stopped...)
}

// Active returns the number of playbacks neither completed nor stopped
func (c *Channel) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
