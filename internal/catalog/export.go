package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nmxmxh/loom/pkg/events"
)

// ExportCatalog snapshots every definition with its consumers and the
// last 24 hours of delivery statistics.
func (s *Service) ExportCatalog(ctx context.Context) (*Export, error) {
	rows, err := s.repo.ExportRows(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to export catalog: %w", err)
	}
	return &Export{GeneratedAt: time.Now().UTC(), Events: rows}, nil
}

// VisualizeDependencies builds the actor dependency graph: nodes are
// actors known to the catalog, edges carry the events flowing between a
// producer and a consumer.
func (s *Service) VisualizeDependencies(ctx context.Context) (*DependencyGraph, error) {
	edges, err := s.repo.DependencyEdges(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load dependency edges: %w", err)
	}

	seen := make(map[string]struct{})
	for _, edge := range edges {
		seen[edge.Source] = struct{}{}
		seen[edge.Target] = struct{}{}
	}
	manifests, err := s.repo.ListManifests(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list actor manifests: %w", err)
	}
	for _, manifest := range manifests {
		seen[manifest.ActorName] = struct{}{}
	}

	nodes := make([]string, 0, len(seen))
	for node := range seen {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)
	return &DependencyGraph{Nodes: nodes, Edges: edges}, nil
}

// categoryOrder fixes the section order of generated type listings.
var categoryOrder = []events.Category{
	events.CategoryCommand,
	events.CategoryQuery,
	events.CategoryNotification,
}

var categoryHeadings = map[events.Category]string{
	events.CategoryCommand:      "Command events.",
	events.CategoryQuery:        "Query events.",
	events.CategoryNotification: "Notification events.",
}

// GenerateTypes renders the catalog as Go constant declarations grouped
// by category. The output is deterministic: generating twice against the
// same catalog yields identical text.
func (s *Service) GenerateTypes(ctx context.Context) (string, error) {
	defs, err := s.repo.ListDefinitions(ctx, ListFilter{})
	if err != nil {
		return "", fmt.Errorf("failed to list event definitions: %w", err)
	}

	byCategory := make(map[events.Category][]*EventDefinition, len(categoryOrder))
	for _, def := range defs {
		byCategory[def.Category] = append(byCategory[def.Category], def)
	}

	var b strings.Builder
	b.WriteString("// Code generated from the event catalog. DO NOT EDIT.\n\n")
	b.WriteString("package events\n")
	for _, category := range categoryOrder {
		group := byCategory[category]
		if len(group) == 0 {
			continue
		}
		sort.Slice(group, func(i, j int) bool { return group[i].Name < group[j].Name })

		b.WriteString("\n// " + categoryHeadings[category] + "\nconst (\n")
		for _, def := range group {
			if def.Description != "" {
				b.WriteString("\t// " + GoIdentifier(def.Name) + " " + strings.TrimSpace(def.Description) + "\n")
			}
			if def.Deprecated {
				b.WriteString("\t//\n\t// Deprecated: ")
				if def.ReplacedBy != "" {
					b.WriteString("use " + GoIdentifier(def.ReplacedBy) + " instead.\n")
				} else {
					b.WriteString("scheduled for removal.\n")
				}
			}
			fmt.Fprintf(&b, "\t%s = %q\n", GoIdentifier(def.Name), def.Name)
		}
		b.WriteString(")\n")
	}
	return b.String(), nil
}

// GoIdentifier converts an event name into an exported Go identifier:
// SEND_MAGIC_LINK becomes EventSendMagicLink.
func GoIdentifier(eventName string) string {
	var b strings.Builder
	b.WriteString("Event")
	for _, part := range strings.Split(eventName, "_") {
		if part == "" {
			continue
		}
		lower := strings.ToLower(part)
		b.WriteString(strings.ToUpper(lower[:1]) + lower[1:])
	}
	return b.String()
}
