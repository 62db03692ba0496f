// Package suggestion implements the per-context suggestion cache and
// autosubscribe matcher (spec §4.7): given a component's manually set
// attribute values, it proposes subscription edges to other components
// that declare (or are declared as) a matching prop suggestion.
//
// Grounded on
// original_source/lib/dal/src/component/suggestion.rs, whose
// PropSuggestionsCache/AutosubscribeResult/SuccessfulSubscription/
// ConflictedSubscription/SubscriptionError shapes are ported directly; the
// DashMap-backed cache there is a plain mutex-guarded map here since this
// cache is populated once per DAL-context lifetime (spec §4.7 bullet 4) and
// never needs lock-free concurrent writers.
package suggestion

import (
	"context"
	"sort"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/si-workspace/snapgraph/pkg/attribute"
	"github.com/si-workspace/snapgraph/pkg/infrastructure/metrics"
	"github.com/si-workspace/snapgraph/pkg/splitgraph"
)

// PropSuggestion names a (schema, prop path) pair a prop declares as a
// suggested source or advertises itself as a source for (spec §4.7).
type PropSuggestion struct {
	Schema string
	Prop   string
}

// PropDecl is one prop's suggestion declarations, as read from the
// component DSL (spec §1's "prop paths, connection annotations,
// suggestions" subset).
type PropDecl struct {
	Path               string
	SuggestSources     []PropSuggestion
	SuggestAsSourceFor []PropSuggestion
}

// ComponentInfo is the minimal component metadata the cache needs to
// populate schema_to_components.
type ComponentInfo struct {
	ComponentID     string
	SchemaName      string
	SchemaVariantID string
}

// Registry is the read surface the cache populates itself from: the DAL's
// component/schema-variant listing, kept narrow so tests can substitute an
// in-memory fake without standing up a real store.
type Registry interface {
	ListComponents(ctx context.Context) ([]ComponentInfo, error)
	PropsForSchemaVariant(ctx context.Context, schemaVariantID string) ([]PropDecl, error)
}

// schemaSuggestionMap is the per-schema-variant suggestion index (spec
// §4.7 bullet 4).
type schemaSuggestionMap struct {
	suggestSources     map[string][]PropSuggestion            // prop path -> suggested sources
	suggestAsSourceFor map[PropSuggestion][]string            // (schema, prop) -> source prop paths on this variant
}

// Cache is the per-DAL-context PropSuggestionsCache (spec §4.7 bullet 4).
type Cache struct {
	mu                 sync.RWMutex
	schemaSuggestions  map[string]schemaSuggestionMap // schema_variant_id -> map
	schemaToComponents map[string][]string            // schema_name -> component ids
	variantToSchema    map[string]string              // schema_variant_id -> schema_name
}

// NewCache returns an empty cache; call Populate before Autosubscribe.
func NewCache() *Cache {
	return &Cache{
		schemaSuggestions:  make(map[string]schemaSuggestionMap),
		schemaToComponents: make(map[string][]string),
		variantToSchema:    make(map[string]string),
	}
}

// Populate fills the cache from reg, once per DAL-context lifetime (spec
// §4.7 bullet 4 / §5's "populated lazily under a map-entry guard").
func (c *Cache) Populate(ctx context.Context, reg Registry) error {
	components, err := reg.ListComponents(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	seenVariant := make(map[string]bool)
	for _, comp := range components {
		c.schemaToComponents[comp.SchemaName] = append(c.schemaToComponents[comp.SchemaName], comp.ComponentID)
		c.variantToSchema[comp.SchemaVariantID] = comp.SchemaName
		if seenVariant[comp.SchemaVariantID] {
			continue
		}
		seenVariant[comp.SchemaVariantID] = true

		props, err := reg.PropsForSchemaVariant(ctx, comp.SchemaVariantID)
		if err != nil {
			return err
		}
		m := schemaSuggestionMap{
			suggestSources:     make(map[string][]PropSuggestion),
			suggestAsSourceFor: make(map[PropSuggestion][]string),
		}
		for _, p := range props {
			if len(p.SuggestSources) > 0 {
				m.suggestSources[p.Path] = p.SuggestSources
			}
			for _, s := range p.SuggestAsSourceFor {
				m.suggestAsSourceFor[s] = append(m.suggestAsSourceFor[s], p.Path)
			}
		}
		c.schemaSuggestions[comp.SchemaVariantID] = m
	}
	return nil
}

// AutosubscribeResult mirrors the original's AutosubscribeResult.
type AutosubscribeResult struct {
	Successful []SuccessfulSubscription
	Conflicts  []ConflictedSubscription
	Errors     []SubscriptionError
}

// SuccessfulSubscription is one subscription edge Autosubscribe created.
type SuccessfulSubscription struct {
	TargetPath   string
	SourceAVID   splitgraph.NodeID
	MatchedValue string // raw JSON
}

// SubscriptionMatch is one candidate source considered for a target prop.
type SubscriptionMatch struct {
	ComponentID string
	SourceAVID  splitgraph.NodeID
	SourcePath  string
	Value       string
}

// ConflictedSubscription records more than one equally valid match (spec
// §4.7 bullet 3: "Multiple matches -> ConflictedSubscription").
type ConflictedSubscription struct {
	TargetPath string
	Matches    []SubscriptionMatch
}

// SubscriptionError records a match that failed validation or creation.
type SubscriptionError struct {
	TargetPath       string
	Err              error
	AttemptedSource  *SubscriptionMatch
}

type potentialSource struct {
	componentID string
	avID        splitgraph.NodeID
	path        string
}

// Autosubscribe proposes and creates subscription edges for componentID's
// manually set attribute values, per spec §4.7's four-step algorithm.
func Autosubscribe(ctx context.Context, graph *splitgraph.SplitGraph, cache *Cache, componentID, schemaName, schemaVariantID string) (*AutosubscribeResult, error) {
	result := &AutosubscribeResult{}

	avIDs := componentAttributeValues(graph, componentID)

	potential := make(map[splitgraph.NodeID]map[potentialSource]struct{})
	targetInfo := make(map[splitgraph.NodeID]struct {
		path  string
		value string
	})

	cache.mu.RLock()
	variantMap, hasVariant := cache.schemaSuggestions[schemaVariantID]
	schemaToComponents := cache.schemaToComponents
	allVariants := cache.schemaSuggestions
	variantToSchema := cache.variantToSchema
	cache.mu.RUnlock()

	if !hasVariant {
		return result, nil
	}

	addPotential := func(avID splitgraph.NodeID, path, value string, src potentialSource) {
		if potential[avID] == nil {
			potential[avID] = make(map[potentialSource]struct{})
		}
		potential[avID][src] = struct{}{}
		targetInfo[avID] = struct {
			path  string
			value string
		}{path: path, value: value}
	}

	// Step 1: explicit suggestSources on this component's own props.
	for _, avID := range avIDs {
		n, _ := graph.NodeByID(avID)
		v, err := attribute.Decode(n)
		if err != nil || v.Kind != attribute.ValueKindLiteral {
			continue
		}
		suggestions, ok := variantMap.suggestSources[v.PropPath]
		if !ok {
			continue
		}
		currentValue := v.Value.Raw
		for _, sug := range suggestions {
			for _, sourceComponentID := range schemaToComponents[sug.Schema] {
				if sourceComponentID == componentID {
					continue
				}
				sourceAVID, ok := attribute.FindAttributeValue(graph, sourceComponentID, sug.Prop)
				if !ok {
					continue
				}
				sn, _ := graph.NodeByID(sourceAVID)
				sv, err := attribute.Decode(sn)
				if err != nil {
					continue
				}
				if sv.Value.Raw == currentValue {
					addPotential(avID, v.PropPath, currentValue, potentialSource{
						componentID: sourceComponentID, avID: sourceAVID, path: sug.Prop,
					})
				}
			}
		}
	}

	// Step 2: reverse suggestAsSourceFor from every other schema variant.
	for _, avID := range avIDs {
		n, _ := graph.NodeByID(avID)
		v, err := attribute.Decode(n)
		if err != nil || v.Kind != attribute.ValueKindLiteral {
			continue
		}
		currentValue := v.Value.Raw
		key := PropSuggestion{Schema: schemaName, Prop: v.PropPath}

		for otherVariantID, otherMap := range allVariants {
			if otherVariantID == schemaVariantID {
				continue
			}
			sourcePaths, ok := otherMap.suggestAsSourceFor[key]
			if !ok {
				continue
			}
			otherSchemaName, ok := variantToSchema[otherVariantID]
			if !ok {
				continue
			}
			for _, sourcePath := range sourcePaths {
				for _, sourceComponentID := range schemaToComponents[otherSchemaName] {
					if sourceComponentID == componentID {
						continue
					}
					sourceAVID, ok := attribute.FindAttributeValue(graph, sourceComponentID, sourcePath)
					if !ok {
						continue
					}
					sn, _ := graph.NodeByID(sourceAVID)
					sv, err := attribute.Decode(sn)
					if err != nil {
						continue
					}
					if sv.Value.Raw == currentValue {
						addPotential(avID, v.PropPath, currentValue, potentialSource{
							componentID: sourceComponentID, avID: sourceAVID, path: sourcePath,
						})
					}
				}
			}
		}
	}

	// Step 3: resolve potential matches into subscriptions/conflicts/errors.
	targets := make([]splitgraph.NodeID, 0, len(potential))
	for id := range potential {
		targets = append(targets, id)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].String() < targets[j].String() })

	for _, avID := range targets {
		srcs := potential[avID]
		info := targetInfo[avID]
		matches := make([]potentialSource, 0, len(srcs))
		for s := range srcs {
			matches = append(matches, s)
		}
		sort.Slice(matches, func(i, j int) bool { return matches[i].avID.String() < matches[j].avID.String() })

		if len(matches) == 1 {
			src := matches[0]
			if err := attribute.CreateSubscription(graph, avID, src.avID, 1); err != nil {
				result.Errors = append(result.Errors, SubscriptionError{
					TargetPath: info.path,
					Err:        err,
					AttemptedSource: &SubscriptionMatch{
						ComponentID: src.componentID, SourceAVID: src.avID, SourcePath: src.path, Value: info.value,
					},
				})
				metrics.RecordAutosubscribe("errored")
				continue
			}
			result.Successful = append(result.Successful, SuccessfulSubscription{
				TargetPath: info.path, SourceAVID: src.avID, MatchedValue: info.value,
			})
			metrics.RecordAutosubscribe("successful")
		} else {
			var subMatches []SubscriptionMatch
			for _, src := range matches {
				subMatches = append(subMatches, SubscriptionMatch{
					ComponentID: src.componentID, SourceAVID: src.avID, SourcePath: src.path, Value: info.value,
				})
			}
			result.Conflicts = append(result.Conflicts, ConflictedSubscription{TargetPath: info.path, Matches: subMatches})
			metrics.RecordAutosubscribe("conflicted")
		}
	}

	return result, nil
}

func componentAttributeValues(graph *splitgraph.SplitGraph, componentID string) []splitgraph.NodeID {
	var out []splitgraph.NodeID
	for _, part := range graph.Partitions() {
		for _, id := range part.AllNodeIDs() {
			n, ok := part.NodeByID(id)
			if !ok || n.PayloadKind != attribute.PayloadKind {
				continue
			}
			if gjson.GetBytes(n.Payload, "component_id").String() == componentID {
				out = append(out, id)
			}
		}
	}
	return out
}
