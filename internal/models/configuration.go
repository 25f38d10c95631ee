package models

import (
	"fmt"
	"strings"
)

type Mode string

const (
	ModeDeliberative Mode = "deliberative"
	ModeExecutive    Mode = "executive"
)

func (m Mode) Valid() bool {
	return m == ModeDeliberative || m == ModeExecutive
}

func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("unknown mode %q (want %s or %s)", s, ModeDeliberative, ModeExecutive)
	}
	return m, nil
}

// NaturalKey identifies a configuration within a run and across restarts.
type NaturalKey struct {
	JudgeID      string
	ScenarioID   string
	VariationKey string
	Mode         Mode
}

func (k NaturalKey) String() string {
	return strings.Join([]string{k.JudgeID, k.ScenarioID, k.VariationKey, string(k.Mode)}, "|")
}

// Configuration is one unit of work. Values are never mutated after expansion.
type Configuration struct {
	ScenarioID   string            `json:"scenario_id"`
	JudgeID      string            `json:"judge_id"`
	Mode         Mode              `json:"mode"`
	VariationKey string            `json:"variation_key"`
	Assignment   map[string]string `json:"assignment"`
}

func (c Configuration) Key() NaturalKey {
	return NaturalKey{
		JudgeID:      c.JudgeID,
		ScenarioID:   c.ScenarioID,
		VariationKey: c.VariationKey,
		Mode:         c.Mode,
	}
}
