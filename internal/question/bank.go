package question

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// BankEntry is one authored question in the bank file.
type BankEntry struct {
	Question   string `yaml:"question"`
	Type       string `yaml:"type"`       // text, audio, code; default text
	TimeLimit  int    `yaml:"time_limit"` // seconds; default 300
	Difficulty string `yaml:"difficulty"` // default medium
}

// Bank maps an interview type to its ordered questions.
type Bank map[string][]BankEntry

// LoadBank reads a YAML question bank. A missing file yields an empty bank.
func LoadBank(path string) (Bank, error) {
	if path == "" {
		return Bank{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Bank{}, nil
		}
		return nil, fmt.Errorf("reading question bank: %w", err)
	}

	var raw Bank
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing question bank: %w", err)
	}

	bank := make(Bank, len(raw))
	for typ, entries := range raw {
		key := normalize(typ)
		for i, e := range entries {
			if strings.TrimSpace(e.Question) == "" {
				return nil, fmt.Errorf("question bank: %s[%d]: empty question", typ, i)
			}
		}
		bank[key] = append(bank[key], entries...)
	}
	return bank, nil
}

// Lookup returns the bank entry for the interview type and index.
func (b Bank) Lookup(interviewType string, index int) (BankEntry, bool) {
	entries := b[normalize(interviewType)]
	if index < 0 || index >= len(entries) {
		return BankEntry{}, false
	}
	return entries[index], true
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
