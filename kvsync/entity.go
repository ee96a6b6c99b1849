// Copyright 2025 KitchenVoice Authors
// SPDX-License-Identifier: Apache-2.0

// Package kvsync implements the KitchenVoice synchronization and
// reconciliation engine: full bidirectional reconciliation per entity type,
// live incremental merge, tombstone-aware deletion, and a push gateway with
// bounded retry. Application code mutates the local store through the engine
// and observes "entity type changed" and sync status notifications.
package kvsync

import (
	"fmt"
	"strconv"
	"strings"
)

// ClockField names the timestamp field used for conflict resolution and
// remote dedup tie-breaking for an entity type. Reference lists carry only
// creation times; content records maintain updatedAt on every edit.
type ClockField string

const (
	ClockCreatedAt ClockField = "createdAt"
	ClockUpdatedAt ClockField = "updatedAt"
)

// NaturalKeyFunc derives the business-meaningful duplicate-detection key from
// a record's fields. It returns ok=false when the record has no usable key
// (e.g. missing name), in which case the record merges by id only.
type NaturalKeyFunc func(fields map[string]any) (string, bool)

// EntityType describes one syncable collection.
type EntityType struct {
	Name       string         // local table / remote sub-collection name
	Prefix     string         // deterministic doc id prefix
	Clock      ClockField     // tie-break and conflict timestamp field
	Mirror     bool           // pure cloud mirror: cleared and rebuilt each full pass, cloud id canonical
	NaturalKey NaturalKeyFunc // nil for id-only entities (line items)
	Parents    []string       // entity types that must reconcile first
}

// Registry is the ordered table of entity types. Order is dependency order:
// parents precede the types referencing them.
type Registry struct {
	types  []EntityType
	byName map[string]*EntityType
}

// NewRegistry validates that every parent appears before its dependents and
// that names and prefixes are unique.
func NewRegistry(types []EntityType) (*Registry, error) {
	r := &Registry{byName: make(map[string]*EntityType, len(types))}
	prefixes := make(map[string]string, len(types))
	for _, et := range types {
		if et.Name == "" || et.Prefix == "" {
			return nil, fmt.Errorf("entity type needs both name and prefix: %+v", et)
		}
		if _, dup := r.byName[et.Name]; dup {
			return nil, fmt.Errorf("duplicate entity type %q", et.Name)
		}
		if owner, dup := prefixes[et.Prefix]; dup {
			return nil, fmt.Errorf("prefix %q used by both %q and %q", et.Prefix, owner, et.Name)
		}
		for _, parent := range et.Parents {
			if _, ok := r.byName[parent]; !ok {
				return nil, fmt.Errorf("entity type %q lists parent %q that is not registered before it", et.Name, parent)
			}
		}
		r.types = append(r.types, et)
		r.byName[et.Name] = &r.types[len(r.types)-1]
		prefixes[et.Prefix] = et.Name
	}
	return r, nil
}

// Types returns entity types in dependency order.
func (r *Registry) Types() []EntityType {
	return r.types
}

// Get looks up an entity type by name.
func (r *Registry) Get(name string) (*EntityType, bool) {
	et, ok := r.byName[name]
	return et, ok
}

// Names returns registered entity type names in dependency order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.types))
	for i, et := range r.types {
		names[i] = et.Name
	}
	return names
}

// MirrorNames returns the entity types cleared and rebuilt on each full pass.
func (r *Registry) MirrorNames() []string {
	var names []string
	for _, et := range r.types {
		if et.Mirror {
			names = append(names, et.Name)
		}
	}
	return names
}

// KeyByName builds a natural key from the lower-cased, trimmed name field.
func KeyByName(fields map[string]any) (string, bool) {
	name, ok := fields["name"].(string)
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return "", false
	}
	return strings.ToLower(name), true
}

// KeyByNameScoped builds a natural key from the name combined with a scoping
// parent id field, so "Prep" in two departments are distinct entities.
func KeyByNameScoped(parentField string) NaturalKeyFunc {
	return func(fields map[string]any) (string, bool) {
		base, ok := KeyByName(fields)
		if !ok {
			return "", false
		}
		return base + "|" + scopeValue(fields[parentField]), true
	}
}

func scopeValue(v any) string {
	switch tv := v.(type) {
	case nil:
		return ""
	case string:
		return tv
	case float64:
		return strconv.FormatInt(int64(tv), 10)
	case int64:
		return strconv.FormatInt(tv, 10)
	case int:
		return strconv.Itoa(tv)
	default:
		return fmt.Sprintf("%v", tv)
	}
}

// DefaultRegistry returns the KitchenVoice entity catalog in dependency
// order. Reference lists are mirrors clocked by createdAt; content records
// are clocked by updatedAt; line-item types merge by id only.
func DefaultRegistry() *Registry {
	r, err := NewRegistry([]EntityType{
		{Name: "departments", Prefix: "dep", Clock: ClockCreatedAt, Mirror: true, NaturalKey: KeyByName},
		{Name: "units", Prefix: "unit", Clock: ClockCreatedAt, Mirror: true, NaturalKey: KeyByName},
		{Name: "vendors", Prefix: "ven", Clock: ClockCreatedAt, Mirror: true, NaturalKey: KeyByName},
		{Name: "categories", Prefix: "cat", Clock: ClockCreatedAt, Mirror: true, NaturalKey: KeyByNameScoped("departmentId"), Parents: []string{"departments"}},
		{Name: "menus", Prefix: "mnu", Clock: ClockCreatedAt, Mirror: true, NaturalKey: KeyByName},
		{Name: "app_settings", Prefix: "set", Clock: ClockCreatedAt, Mirror: true, NaturalKey: KeyByName},
		{Name: "inventory_items", Prefix: "inv", Clock: ClockUpdatedAt, NaturalKey: KeyByNameScoped("categoryId"), Parents: []string{"categories"}},
		{Name: "recipes", Prefix: "rcp", Clock: ClockUpdatedAt, NaturalKey: KeyByNameScoped("categoryId"), Parents: []string{"categories"}},
		{Name: "recipe_items", Prefix: "rci", Clock: ClockUpdatedAt, Parents: []string{"recipes", "inventory_items"}},
		{Name: "menu_items", Prefix: "mni", Clock: ClockUpdatedAt, NaturalKey: KeyByNameScoped("menuId"), Parents: []string{"menus", "recipes"}},
		{Name: "invoices", Prefix: "invc", Clock: ClockUpdatedAt, Parents: []string{"vendors"}},
		{Name: "invoice_items", Prefix: "invi", Clock: ClockUpdatedAt, Parents: []string{"invoices", "inventory_items"}},
		{Name: "orders", Prefix: "ord", Clock: ClockUpdatedAt, Parents: []string{"vendors"}},
		{Name: "order_items", Prefix: "ordi", Clock: ClockUpdatedAt, Parents: []string{"orders", "inventory_items"}},
		{Name: "prep_tasks", Prefix: "prep", Clock: ClockUpdatedAt, NaturalKey: KeyByName, Parents: []string{"recipes"}},
	})
	if err != nil {
		// The default catalog is static; a construction error is a programming
		// mistake caught by tests.
		panic(err)
	}
	return r
}
