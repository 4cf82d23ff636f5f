package integration

import (
	"testing"

	"collabspace/pkg/types"
)

func addElement(c *client, baseVersion int64) {
	c.send(types.MessageTypeWhiteboardMutate, &types.WhiteboardMutatePayload{
		Op:          types.WhiteboardOpAdd,
		Element:     &types.WhiteboardElement{Type: types.ElementTypeRectangle, Geometry: types.Geometry{X: 1, Y: 2, X2: 3, Y2: 4}},
		BaseVersion: baseVersion,
	})
}

func TestWhiteboardConcurrentMutationConflict(t *testing.T) {
	h := newHarness(t, defaultOptions())

	alice := h.dial(t)
	alice.join("", "Alice")
	bob := h.dial(t)
	bob.join(alice.SessionID, "Bob")
	alice.expect(types.MessageTypeJoin)

	// Alice's mutation against base 0 applies; both sides converge on
	// version 1 with the same server-assigned element ID.
	addElement(alice, 0)

	var aliceDelta, bobDelta types.WhiteboardDeltaPayload
	decodePayload(t, alice.expect(types.MessageTypeWhiteboardMutate), &aliceDelta)
	decodePayload(t, bob.expect(types.MessageTypeWhiteboardMutate), &bobDelta)

	if aliceDelta.Version != 1 || bobDelta.Version != 1 {
		t.Fatalf("both participants must observe version 1, got %d and %d",
			aliceDelta.Version, bobDelta.Version)
	}
	if aliceDelta.Element == nil || bobDelta.Element == nil ||
		aliceDelta.Element.ID == "" || aliceDelta.Element.ID != bobDelta.Element.ID {
		t.Fatalf("element IDs must match: %+v vs %+v", aliceDelta.Element, bobDelta.Element)
	}
	if aliceDelta.Element.AuthorParticipantID != alice.ParticipantID {
		t.Errorf("element author should be the mutator: %+v", aliceDelta.Element)
	}

	// Bob's concurrent mutation still claims base 0 and loses: he gets a
	// corrective snapshot, nobody else sees anything.
	addElement(bob, 0)
	var resync types.SessionSnapshotPayload
	decodePayload(t, bob.expect(types.MessageTypeSessionSnapshot), &resync)
	if resync.WhiteboardVersion != 1 || len(resync.Whiteboard) != 1 {
		t.Fatalf("corrective snapshot should carry the authoritative state: %+v", resync)
	}

	// Rebased on the current version, the retry applies as version 2.
	addElement(bob, 1)
	var retry types.WhiteboardDeltaPayload
	decodePayload(t, bob.expect(types.MessageTypeWhiteboardMutate), &retry)
	if retry.Version != 2 {
		t.Errorf("rebased mutation should produce version 2, got %d", retry.Version)
	}
}

func TestWhiteboardRemoveAndCursorFlow(t *testing.T) {
	h := newHarness(t, defaultOptions())

	alice := h.dial(t)
	alice.join("", "Alice")
	bob := h.dial(t)
	bob.join(alice.SessionID, "Bob")
	alice.expect(types.MessageTypeJoin)

	addElement(alice, 0)
	var delta types.WhiteboardDeltaPayload
	decodePayload(t, alice.expect(types.MessageTypeWhiteboardMutate), &delta)
	decodePayload(t, bob.expect(types.MessageTypeWhiteboardMutate), &delta)

	alice.send(types.MessageTypeWhiteboardMutate, &types.WhiteboardMutatePayload{
		Op:          types.WhiteboardOpRemove,
		ElementID:   delta.Element.ID,
		BaseVersion: 1,
	})
	var removal types.WhiteboardDeltaPayload
	decodePayload(t, bob.expect(types.MessageTypeWhiteboardMutate), &removal)
	if removal.Op != types.WhiteboardOpRemove || removal.ElementID != delta.Element.ID || removal.Version != 2 {
		t.Errorf("unexpected removal delta: %+v", removal)
	}

	// Cursor updates are advisory and flow without versioning.
	alice.send(types.MessageTypeCursorUpdate, &types.CursorUpdatePayload{X: 10, Y: 20})
	var cursor types.CursorUpdatePayload
	decodePayload(t, bob.expect(types.MessageTypeCursorUpdate), &cursor)
	if cursor.X != 10 || cursor.Y != 20 {
		t.Errorf("unexpected cursor broadcast: %+v", cursor)
	}
}
