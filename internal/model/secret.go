package model

import (
	"fmt"
	"regexp"
	"strings"
)

var secretPlaceholder = regexp.MustCompile(`\{\{SECRET:\[([^\]]+)\]\[([^\]]+)\]\}\}`)

// SecretParam is a reference to a value held by a secret store. Value stays nil
// until resolved.
type SecretParam struct {
	StoreID string  `json:"secret_config_id"`
	Key     string  `json:"key"`
	Value   *string `json:"-"`
}

func (p SecretParam) Placeholder() string {
	return fmt.Sprintf("{{SECRET:[%s][%s]}}", p.StoreID, p.Key)
}

func (p SecretParam) IsResolved() bool {
	return p.Value != nil
}

type SecretParams []SecretParam

// ParseSecretParams extracts every placeholder from the given strings, keeping
// first-seen order and dropping duplicates.
func ParseSecretParams(values ...string) SecretParams {
	var out SecretParams
	seen := make(map[string]bool)
	for _, v := range values {
		for _, m := range secretPlaceholder.FindAllStringSubmatch(v, -1) {
			k := m[1] + "\x00" + m[2]
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, SecretParam{StoreID: m[1], Key: m[2]})
		}
	}
	return out
}

func (s SecretParams) HasSecrets() bool {
	return len(s) > 0
}

func (s SecretParams) Clone() SecretParams {
	if s == nil {
		return nil
	}
	out := make(SecretParams, len(s))
	for i, p := range s {
		out[i] = SecretParam{StoreID: p.StoreID, Key: p.Key}
		if p.Value != nil {
			v := *p.Value
			out[i].Value = &v
		}
	}
	return out
}

// GroupByStore returns the indices of params per store id, in store first-seen order.
func (s SecretParams) GroupByStore() ([]string, map[string][]int) {
	var order []string
	groups := make(map[string][]int)
	for i, p := range s {
		if _, ok := groups[p.StoreID]; !ok {
			order = append(order, p.StoreID)
		}
		groups[p.StoreID] = append(groups[p.StoreID], i)
	}
	return order, groups
}

func (s SecretParams) Unresolved() SecretParams {
	var out SecretParams
	for _, p := range s {
		if !p.IsResolved() {
			out = append(out, p)
		}
	}
	return out
}

// Substitute replaces every placeholder in text with its resolved value.
// An unresolved placeholder is an error.
func (s SecretParams) Substitute(text string) (string, error) {
	var missing []string
	out := secretPlaceholder.ReplaceAllStringFunc(text, func(ph string) string {
		m := secretPlaceholder.FindStringSubmatch(ph)
		for _, p := range s {
			if p.StoreID == m[1] && p.Key == m[2] && p.Value != nil {
				return *p.Value
			}
		}
		missing = append(missing, ph)
		return ph
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("unresolved secret params: %s", strings.Join(missing, ", "))
	}
	return out, nil
}
