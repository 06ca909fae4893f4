// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package corecontext

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MultiError collects independent failures without aborting the caller's
// loop, the way subscriber dispatch must keep invoking the remaining
// subscribers after one throws. Ported from the teacher's
// utils/wrappers.Errs.
type MultiError struct {
	mu   sync.RWMutex
	errs []error
}

// Add records err, ignoring nil.
func (e *MultiError) Add(err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errs = append(e.errs, err)
}

// Errored reports whether any error has been added.
func (e *MultiError) Errored() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.errs) > 0
}

// Len returns the number of collected errors.
func (e *MultiError) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.errs)
}

// Err folds the collection into a single error, or nil if empty.
func (e *MultiError) Err() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	switch len(e.errs) {
	case 0:
		return nil
	case 1:
		return e.errs[0]
	default:
		return errors.New(e.string())
	}
}

// string renders one line per collected error, tagged with its Kind (see
// errors.go) rather than the teacher's plain "%d errors occurred" header,
// so a caller scanning the summary can tell a bundle of CircuitOpen
// failures from a single FatalState among them without re-parsing messages.
func (e *MultiError) string() string {
	kindCounts := make(map[Kind]int)
	for _, err := range e.errs {
		kindCounts[KindOf(err)]++
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d errors (", len(e.errs)))
	first := true
	for _, k := range sortedKinds(kindCounts) {
		if !first {
			sb.WriteString(", ")
		}
		first = false
		sb.WriteString(fmt.Sprintf("%s=%d", k, kindCounts[k]))
	}
	sb.WriteString("):")
	for _, err := range e.errs {
		sb.WriteString(fmt.Sprintf("\n\t* [%s] %s", KindOf(err), err.Error()))
	}
	return sb.String()
}

// sortedKinds returns counts' keys in a deterministic order so string's
// output doesn't jitter across runs with Go's randomized map iteration.
func sortedKinds(counts map[Kind]int) []Kind {
	kinds := make([]Kind, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
