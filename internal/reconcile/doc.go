// Package reconcile assigns stable identities to a rendered plan tree and
// diffs it against the node instances of the previous frame.
//
// Identity is a pure function of position: an explicit "id" prop wins,
// otherwise the node id hashes the parent id, the node's key (or its sibling
// index when no key is given) and its kind. The diff classifies every id as
// newly mounted, still running, present or unmounted. Nodes are correlated
// only through ids in flat maps; the reconciler never keeps references into a
// previous tree.
package reconcile
