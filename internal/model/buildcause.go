package model

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"
)

type TriggerKind string

const (
	TriggerModification TriggerKind = "modification"
	TriggerManual       TriggerKind = "manual"
	TriggerForced       TriggerKind = "forced"
)

// BuildCause is the reason a pipeline instance runs. It is immutable: accessors
// return copies.
type BuildCause struct {
	revisions MaterialRevisions
	approver  string
	trigger   TriggerKind
	variables map[string]string
}

func NewBuildCause(revs MaterialRevisions, trigger TriggerKind, approver string, variables map[string]string) *BuildCause {
	return &BuildCause{
		revisions: revs.Clone(),
		approver:  approver,
		trigger:   trigger,
		variables: maps.Clone(variables),
	}
}

func (b *BuildCause) MaterialRevisions() MaterialRevisions {
	return b.revisions.Clone()
}

func (b *BuildCause) Approver() string {
	return b.approver
}

func (b *BuildCause) Trigger() TriggerKind {
	return b.trigger
}

func (b *BuildCause) Variables() map[string]string {
	return maps.Clone(b.variables)
}

func (b *BuildCause) IsForced() bool {
	return b.trigger == TriggerForced
}

// Message describes the cause the way the status output shows it.
func (b *BuildCause) Message() string {
	switch b.trigger {
	case TriggerManual, TriggerForced:
		return "Triggered by " + b.approver
	}
	var names []string
	for _, r := range b.revisions.revs {
		if r.Changed {
			names = append(names, r.Material.DisplayName())
		}
	}
	if len(names) == 0 {
		return "No modifications"
	}
	return "modified: " + strings.Join(names, ", ")
}

func (b *BuildCause) String() string {
	return fmt.Sprintf("BuildCause[%s by %q, %d revisions]", b.trigger, b.approver, b.revisions.Len())
}

func (m MaterialRevisions) MarshalJSON() ([]byte, error) {
	if m.revs == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(m.revs)
}

func (b *BuildCause) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Trigger   TriggerKind       `json:"trigger"`
		Approver  string            `json:"approver"`
		Message   string            `json:"message"`
		Revisions MaterialRevisions `json:"material_revisions"`
		Variables map[string]string `json:"variables,omitempty"`
	}{b.trigger, b.approver, b.Message(), b.revisions, b.variables})
}
