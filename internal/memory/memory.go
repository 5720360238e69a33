// Package memory holds the short rolling window of prior exchanges used to
// build generation context. It is rebuilt from the store on every turn and is
// never authoritative.
package memory

import (
	"strings"

	"github.com/BTreeMap/Empathibot/internal/models"
)

// DefaultWindow is the number of exchanges retained.
const DefaultWindow = 5

const (
	humanPrefix = "Human"
	aiPrefix    = "AI"
)

// Exchange is one (input, reply) pair.
type Exchange struct {
	Input string
	Reply string
}

// ConversationMemory is a fixed-size window of the most recent exchanges.
type ConversationMemory struct {
	window    int
	exchanges []Exchange
}

// New builds a window of DefaultWindow exchanges from history, which must be
// ordered oldest first. Only the last DefaultWindow turns are kept.
func New(history []models.MessageTurn) *ConversationMemory {
	return NewWithWindow(DefaultWindow, history)
}

// NewWithWindow is New with an explicit window size.
func NewWithWindow(window int, history []models.MessageTurn) *ConversationMemory {
	if window < 1 {
		window = 1
	}
	m := &ConversationMemory{window: window}
	if len(history) > window {
		history = history[len(history)-window:]
	}
	for _, turn := range history {
		m.Save(turn.Input, turn.Reply)
	}
	return m
}

// Save appends an exchange, evicting the oldest when the window is full.
func (m *ConversationMemory) Save(input, reply string) {
	m.exchanges = append(m.exchanges, Exchange{Input: input, Reply: reply})
	if len(m.exchanges) > m.window {
		m.exchanges = append([]Exchange(nil), m.exchanges[len(m.exchanges)-m.window:]...)
	}
}

// Exchanges returns a copy of the retained exchanges, oldest first.
func (m *ConversationMemory) Exchanges() []Exchange {
	return append([]Exchange(nil), m.exchanges...)
}

// Len returns the number of retained exchanges.
func (m *ConversationMemory) Len() int { return len(m.exchanges) }

// ContextSummary serializes the window as alternating "Human:"/"AI:" lines.
func (m *ConversationMemory) ContextSummary() string {
	var b strings.Builder
	for i, ex := range m.exchanges {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(humanPrefix + ": " + ex.Input + "\n")
		b.WriteString(aiPrefix + ": " + ex.Reply)
	}
	return b.String()
}
