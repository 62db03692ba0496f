// Package attribute implements the dependent-value / attribute propagation
// engine (spec §4.6): attribute values (AVs) are Custom nodes of kind
// "AttributeValue" in a pkg/splitgraph graph; a subscription is a Custom
// edge of kind "Subscription" from the subscribing AV to the AV it reads.
// Any mutation that invalidates an AV's computed value enqueues it as a
// dependent-value root; ProcessQueue walks every transitive reader in
// topological order and recomputes it, reporting a CycleDetected error if
// the subscription graph (which pkg/splitgraph does not itself forbid from
// looping) contains a cycle.
//
// AV payload layout (JSON, read/written with tidwall/gjson and
// tidwall/sjson, matching this pack's json-pointer-shaped AttributePath
// model instead of a bespoke parser):
//
//	{
//	  "component_id": "...",
//	  "prop_path": "/si/name",
//	  "kind": "literal" | "function" | "subscription",
//	  "value": <any>,                 // kind == literal
//	  "func_prototype_id": "...",     // kind == function
//	  "arguments": {...},             // kind == function
//	  "source_av_id": "...",          // kind == subscription
//	  "transform_func_id": "...",     // kind == subscription, optional
//	}
package attribute

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	sgerrors "github.com/si-workspace/snapgraph/pkg/shared/errors"
	"github.com/si-workspace/snapgraph/pkg/splitgraph"
)

// PayloadKind is the Custom-node discriminant for attribute values.
const PayloadKind = "AttributeValue"

// SubscriptionEdgeKind is the Custom-edge discriminant for a subscription:
// an edge from the subscribing AV to the AV supplying its value.
const SubscriptionEdgeKind = "Subscription"

// ValueKind discriminates what computes an AV's value.
type ValueKind string

const (
	ValueKindLiteral      ValueKind = "literal"
	ValueKindFunction     ValueKind = "function"
	ValueKindSubscription ValueKind = "subscription"
)

// ErrInvalidSubscriptionPath is returned when a subscription's target path
// does not resolve to an AV in the named component (spec §4.6).
var ErrInvalidSubscriptionPath = fmt.Errorf("attribute: invalid subscription path")

// ErrTransformArity is returned when a subscription names a transform
// function of arity greater than one (spec §4.6: "arity > 1 is rejected at
// creation").
var ErrTransformArity = fmt.Errorf("attribute: subscription transform must take exactly one argument")

// CycleError reports a cycle detected while walking dependent-value roots
// (spec §4.6's CycleDetected(path)).
type CycleError struct {
	Path []splitgraph.NodeID
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("attribute: dependent-value cycle detected through %d node(s)", len(e.Path))
}

// View is the decoded form of an AttributeValue Custom node's payload.
type View struct {
	ComponentID     string
	PropPath        string
	Kind            ValueKind
	Value           gjson.Result
	FuncPrototypeID string
	SourceAVID      splitgraph.NodeID
	TransformFuncID string
}

// Decode parses a Custom node's raw payload into a View. Returns an error
// if n is not an AttributeValue node.
func Decode(n splitgraph.Node) (View, error) {
	if n.PayloadKind != PayloadKind {
		return View{}, fmt.Errorf("attribute: node %s is not an AttributeValue (kind %s)", n.ID, n.PayloadKind)
	}
	raw := string(n.Payload)
	v := View{
		ComponentID: gjson.Get(raw, "component_id").String(),
		PropPath:    gjson.Get(raw, "prop_path").String(),
		Kind:        ValueKind(gjson.Get(raw, "kind").String()),
		Value:       gjson.Get(raw, "value"),
	}
	v.FuncPrototypeID = gjson.Get(raw, "func_prototype_id").String()
	v.TransformFuncID = gjson.Get(raw, "transform_func_id").String()
	if srcStr := gjson.Get(raw, "source_av_id").String(); srcStr != "" {
		if id, err := splitgraph.ParseNodeID(srcStr); err == nil {
			v.SourceAVID = id
		}
	}
	return v, nil
}

// NewLiteral builds an AttributeValue Custom node holding a manually set
// literal value.
func NewLiteral(componentID, propPath string, value []byte) (splitgraph.Node, error) {
	payload, err := buildPayload(componentID, propPath, ValueKindLiteral, value, "", "")
	if err != nil {
		return splitgraph.Node{}, err
	}
	id := splitgraph.NewNodeID()
	return splitgraph.Node{ID: id, LineageID: id, Kind: splitgraph.NodeKindCustom, PayloadKind: PayloadKind, Payload: payload}, nil
}

// NewSubscription builds an AttributeValue Custom node whose value is
// supplied by another AV, reached by path, with an optional single-argument
// transform function.
func NewSubscription(componentID, propPath string, source splitgraph.NodeID, transformFuncID string) (splitgraph.Node, error) {
	payload, err := sjson.SetBytes(nil, "component_id", componentID)
	if err != nil {
		return splitgraph.Node{}, sgerrors.Wrapf(err, "encode attribute value payload")
	}
	payload, _ = sjson.SetBytes(payload, "prop_path", propPath)
	payload, _ = sjson.SetBytes(payload, "kind", string(ValueKindSubscription))
	payload, _ = sjson.SetBytes(payload, "source_av_id", source.String())
	if transformFuncID != "" {
		payload, _ = sjson.SetBytes(payload, "transform_func_id", transformFuncID)
	}
	id := splitgraph.NewNodeID()
	return splitgraph.Node{ID: id, LineageID: id, Kind: splitgraph.NodeKindCustom, PayloadKind: PayloadKind, Payload: payload}, nil
}

func buildPayload(componentID, propPath string, kind ValueKind, value []byte, funcPrototypeID, sourceAVID string) ([]byte, error) {
	payload, err := sjson.SetBytes(nil, "component_id", componentID)
	if err != nil {
		return nil, sgerrors.Wrapf(err, "encode attribute value payload")
	}
	payload, _ = sjson.SetBytes(payload, "prop_path", propPath)
	payload, _ = sjson.SetBytes(payload, "kind", string(kind))
	if funcPrototypeID != "" {
		payload, _ = sjson.SetBytes(payload, "func_prototype_id", funcPrototypeID)
	}
	if sourceAVID != "" {
		payload, _ = sjson.SetBytes(payload, "source_av_id", sourceAVID)
	}
	if len(value) > 0 {
		payload, err = sjson.SetRawBytes(payload, "value", value)
		if err != nil {
			return nil, sgerrors.Wrapf(err, "encode attribute value literal")
		}
	}
	return payload, nil
}

// TransformArity validates a transform function's declared arity before a
// subscription is allowed to use it (spec §4.6). argCount is the number of
// parameters the function prototype declares.
func TransformArity(argCount int) error {
	if argCount > 1 {
		return ErrTransformArity
	}
	return nil
}

// FindAttributeValue locates the AttributeValue node for (componentID,
// propPath) within graph, scanning every partition. This stands in for the
// original's indexed AttributeValueIdent::resolve; the engine here has no
// separate prop-path index, so resolution is a linear scan of AV nodes,
// which is acceptable at this core's layer since resolution is called only
// at subscription-creation time, not on every propagation tick.
func FindAttributeValue(graph *splitgraph.SplitGraph, componentID, propPath string) (splitgraph.NodeID, bool) {
	for _, part := range graph.Partitions() {
		for _, id := range part.AllNodeIDs() {
			n, ok := part.NodeByID(id)
			if !ok || n.PayloadKind != PayloadKind {
				continue
			}
			v, err := Decode(n)
			if err != nil {
				continue
			}
			if v.ComponentID == componentID && v.PropPath == propPath {
				return n.ID, true
			}
		}
	}
	return splitgraph.Nil, false
}

// ValidateSubscriptionTarget resolves (componentID, propPath) to an AV and
// reports ErrInvalidSubscriptionPath if none exists (spec §4.6's
// subscription validation).
func ValidateSubscriptionTarget(graph *splitgraph.SplitGraph, componentID, propPath string) (splitgraph.NodeID, error) {
	id, ok := FindAttributeValue(graph, componentID, propPath)
	if !ok {
		return splitgraph.Nil, ErrInvalidSubscriptionPath
	}
	return id, nil
}

// CreateSubscription validates argCount and the target path, then adds the
// Subscription edge from targetAVID (the subscriber) to sourceAVID inside
// graph (spec §4.6).
func CreateSubscription(graph *splitgraph.SplitGraph, targetAVID, sourceAVID splitgraph.NodeID, argCount int) error {
	if err := TransformArity(argCount); err != nil {
		return err
	}
	if _, ok := graph.NodeByID(sourceAVID); !ok {
		return ErrInvalidSubscriptionPath
	}
	return graph.AddEdge(targetAVID, splitgraph.Edge{Kind: splitgraph.EdgeKindCustom, CustomKind: SubscriptionEdgeKind, To: sourceAVID})
}
