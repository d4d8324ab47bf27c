// Copyright 2026 The Heaven Authors
// SPDX-License-Identifier: Apache-2.0

package devnet

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/techno-hippies/dotheaven-sub017/chat"
)

// createClient registers an identity on the fixture's hub.
func createClient(t *testing.T, fixture *networkFixture, address string) chat.Client {
	t.Helper()
	client, err := fixture.network.Connector().Create(context.Background(), address, &staticSigner{address: address})
	if err != nil {
		t.Fatalf("create client for %s: %v", address, err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// --- Registration and build tests ---

func TestCreateRegistersIdentity(t *testing.T) {
	fixture := newTestNetwork(t, 0)
	client := createClient(t, fixture, aliceAddress)

	if client.InboxID() != InboxIDForAddress(aliceAddress) {
		t.Errorf("inbox id = %q, want the deterministic derivation", client.InboxID())
	}

	state, err := fixture.network.Connector().InboxState(context.Background(), client.InboxID(), "local")
	if err != nil {
		t.Fatal(err)
	}
	if len(state.Installations) != 1 {
		t.Errorf("installations = %d, want 1", len(state.Installations))
	}
}

func TestBuildWithoutLocalState(t *testing.T) {
	fixture := newTestNetwork(t, 0)

	_, err := fixture.network.Connector().Build(context.Background(), aliceAddress)
	if !errors.Is(err, chat.ErrNoLocalState) {
		t.Errorf("err = %v, want ErrNoLocalState", err)
	}
}

func TestBuildReusesLiveHubState(t *testing.T) {
	fixture := newTestNetwork(t, 0)
	first := createClient(t, fixture, aliceAddress)

	info, err := first.CreateConversation(context.Background(), bobAddress)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := first.SendText(context.Background(), info.ID, "hello"); err != nil {
		t.Fatal(err)
	}
	if err := first.Close(); err != nil {
		t.Fatal(err)
	}

	rebuilt, err := fixture.network.Connector().Build(context.Background(), aliceAddress)
	if err != nil {
		t.Fatal(err)
	}
	defer rebuilt.Close()

	if rebuilt.InboxID() != first.InboxID() {
		t.Errorf("rebuilt inbox id = %q, want %q", rebuilt.InboxID(), first.InboxID())
	}
	records, err := rebuilt.ListConversations(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].ID != info.ID {
		t.Fatalf("rebuilt client sees %+v, want the original conversation", records)
	}
}

func TestBuildAfterRestartReseedsHub(t *testing.T) {
	dataDir := t.TempDir()

	first := newTestNetworkAt(t, dataDir, 0)
	alice := createClient(t, first, aliceAddress)
	info, err := alice.CreateConversation(context.Background(), bobAddress)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := alice.SendText(context.Background(), info.ID, "before restart"); err != nil {
		t.Fatal(err)
	}
	if err := alice.Close(); err != nil {
		t.Fatal(err)
	}

	// A fresh hub over the same data directory: nothing in memory.
	second := newTestNetworkAt(t, dataDir, 0)
	rebuilt, err := second.network.Connector().Build(context.Background(), aliceAddress)
	if err != nil {
		t.Fatal(err)
	}
	defer rebuilt.Close()

	messages, err := rebuilt.Messages(context.Background(), info.ID, chat.MessageQuery{})
	if err != nil {
		t.Fatal(err)
	}
	var contents []string
	for _, record := range messages {
		if record.Kind == chat.KindApplication {
			contents = append(contents, record.Content)
		}
	}
	if len(contents) != 1 || contents[0] != "before restart" {
		t.Errorf("rebuilt history = %v, want the pre-restart message", contents)
	}
}

func TestRestartMergesDivergentSnapshots(t *testing.T) {
	dataDir := t.TempDir()

	first := newTestNetworkAt(t, dataDir, 0)
	alice := createClient(t, first, aliceAddress)
	bob := createClient(t, first, bobAddress)

	info, err := alice.CreateConversation(context.Background(), bobAddress)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := alice.SendText(context.Background(), info.ID, "both saw this"); err != nil {
		t.Fatal(err)
	}

	// Bob goes away; alice keeps talking. Only alice's snapshot has
	// the second message.
	if err := bob.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := alice.SendText(context.Background(), info.ID, "only alice persisted this"); err != nil {
		t.Fatal(err)
	}
	if err := alice.Close(); err != nil {
		t.Fatal(err)
	}

	// Restart. Bob builds first with his stale snapshot, then alice
	// merges in the tail he missed.
	second := newTestNetworkAt(t, dataDir, 0)
	connector := second.network.Connector()

	bobRebuilt, err := connector.Build(context.Background(), bobAddress)
	if err != nil {
		t.Fatal(err)
	}
	defer bobRebuilt.Close()
	aliceRebuilt, err := connector.Build(context.Background(), aliceAddress)
	if err != nil {
		t.Fatal(err)
	}
	defer aliceRebuilt.Close()

	messages, err := bobRebuilt.Messages(context.Background(), info.ID, chat.MessageQuery{})
	if err != nil {
		t.Fatal(err)
	}
	var contents []string
	for _, record := range messages {
		if record.Kind == chat.KindApplication {
			contents = append(contents, record.Content)
		}
	}
	if len(contents) != 2 || contents[1] != "only alice persisted this" {
		t.Errorf("bob's merged history = %v, want both messages in order", contents)
	}
}

// --- Installation lifecycle tests ---

func TestRevocationInvalidatesSnapshot(t *testing.T) {
	fixture := newTestNetwork(t, 1)
	connector := fixture.network.Connector()
	signer := &staticSigner{address: aliceAddress}

	client := createClient(t, fixture, aliceAddress)
	inboxID := client.InboxID()
	if err := client.Close(); err != nil {
		t.Fatal(err)
	}

	// The inbox is at its cap of 1; recover by revoking everything.
	state, err := connector.InboxState(context.Background(), inboxID, "")
	if err != nil {
		t.Fatal(err)
	}
	var installationIDs [][]byte
	for _, descriptor := range state.Installations {
		id, ok := descriptor.IDBytes()
		if !ok {
			t.Fatalf("descriptor %v has no recoverable id", descriptor)
		}
		installationIDs = append(installationIDs, id)
	}
	if err := connector.RevokeInstallations(context.Background(), signer, inboxID, installationIDs); err != nil {
		t.Fatal(err)
	}

	// The persisted snapshot references a revoked installation.
	_, err = connector.Build(context.Background(), aliceAddress)
	if !errors.Is(err, chat.ErrNoLocalState) {
		t.Errorf("build with a revoked installation: err = %v, want ErrNoLocalState", err)
	}

	// Registration has room again.
	fresh, err := connector.Create(context.Background(), aliceAddress, signer)
	if err != nil {
		t.Fatalf("create after revocation: %v", err)
	}
	fresh.Close()
}

func TestRevokeRequiresControllingSigner(t *testing.T) {
	fixture := newTestNetwork(t, 0)
	client := createClient(t, fixture, aliceAddress)

	err := fixture.network.Connector().RevokeInstallations(
		context.Background(),
		&staticSigner{address: bobAddress},
		client.InboxID(),
		[][]byte{{0x01}})
	if err == nil {
		t.Fatal("revocation signed by a different identity should fail")
	}
}

func TestInboxStateShapes(t *testing.T) {
	fixture := newTestNetwork(t, 0)
	client := createClient(t, fixture, aliceAddress)
	connector := fixture.network.Connector()

	shapes := []struct {
		name  string
		shape InstallationShape
	}{
		{"bytes", ShapeBytes},
		{"hex id", ShapeHexID},
		{"hex installationId", ShapeHexInstallationID},
	}

	var canonical []byte
	for _, testCase := range shapes {
		t.Run(testCase.name, func(t *testing.T) {
			fixture.network.SetInstallationShape(testCase.shape)
			state, err := connector.InboxState(context.Background(), client.InboxID(), "")
			if err != nil {
				t.Fatal(err)
			}
			if len(state.Installations) != 1 {
				t.Fatalf("installations = %d, want 1", len(state.Installations))
			}
			id, ok := state.Installations[0].IDBytes()
			if !ok {
				t.Fatalf("shape %v not recoverable: %v", testCase.shape, state.Installations[0])
			}
			if canonical == nil {
				canonical = id
			} else if !bytes.Equal(id, canonical) {
				t.Errorf("shape %v decodes to %x, want %x", testCase.shape, id, canonical)
			}
		})
	}
}

// --- Conversation tests ---

func TestConversationSharedBetweenMembers(t *testing.T) {
	fixture := newTestNetwork(t, 0)
	alice := createClient(t, fixture, aliceAddress)
	bob := createClient(t, fixture, bobAddress)

	fromAlice, err := alice.CreateConversation(context.Background(), bobAddress)
	if err != nil {
		t.Fatal(err)
	}
	fromBob, err := bob.CreateConversation(context.Background(), aliceAddress)
	if err != nil {
		t.Fatal(err)
	}

	if fromAlice.ID != fromBob.ID {
		t.Errorf("conversation ids differ: %q vs %q", fromAlice.ID, fromBob.ID)
	}
	if fromAlice.PeerAddress != bobAddress {
		t.Errorf("alice's peer = %q, want %q", fromAlice.PeerAddress, bobAddress)
	}
	if fromBob.PeerAddress != aliceAddress {
		t.Errorf("bob's peer = %q, want %q", fromBob.PeerAddress, aliceAddress)
	}

	// Exactly one membership record despite two create calls.
	messages, err := alice.Messages(context.Background(), fromAlice.ID, chat.MessageQuery{})
	if err != nil {
		t.Fatal(err)
	}
	memberships := 0
	for _, record := range messages {
		if record.Kind == chat.KindMembershipChange {
			memberships++
		}
	}
	if memberships != 1 {
		t.Errorf("membership records = %d, want 1", memberships)
	}
}

func TestCreateConversationWithSelf(t *testing.T) {
	fixture := newTestNetwork(t, 0)
	alice := createClient(t, fixture, aliceAddress)

	if _, err := alice.CreateConversation(context.Background(), aliceAddress); err == nil {
		t.Error("self-conversation should be rejected")
	}
}

func TestNonMemberCannotAccessConversation(t *testing.T) {
	fixture := newTestNetwork(t, 0)
	alice := createClient(t, fixture, aliceAddress)
	carol := createClient(t, fixture, carolAddress)

	info, err := alice.CreateConversation(context.Background(), bobAddress)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := carol.Messages(context.Background(), info.ID, chat.MessageQuery{}); !errors.Is(err, chat.ErrConversationNotFound) {
		t.Errorf("non-member read: err = %v, want ErrConversationNotFound", err)
	}
	if _, err := carol.SendText(context.Background(), info.ID, "hi"); !errors.Is(err, chat.ErrConversationNotFound) {
		t.Errorf("non-member send: err = %v, want ErrConversationNotFound", err)
	}
}

func TestMessagesQuery(t *testing.T) {
	fixture := newTestNetwork(t, 0)
	alice := createClient(t, fixture, aliceAddress)

	info, err := alice.CreateConversation(context.Background(), bobAddress)
	if err != nil {
		t.Fatal(err)
	}

	var stamps []int64
	for _, content := range []string{"one", "two", "three", "four"} {
		record, err := alice.SendText(context.Background(), info.ID, content)
		if err != nil {
			t.Fatal(err)
		}
		stamps = append(stamps, record.SentAtNs)
	}

	t.Run("limit keeps the most recent", func(t *testing.T) {
		messages, err := alice.Messages(context.Background(), info.ID, chat.MessageQuery{Limit: 2})
		if err != nil {
			t.Fatal(err)
		}
		if len(messages) != 2 || messages[0].Content != "three" || messages[1].Content != "four" {
			t.Errorf("limited page = %+v, want [three four]", messages)
		}
	})

	t.Run("sent after excludes older", func(t *testing.T) {
		messages, err := alice.Messages(context.Background(), info.ID, chat.MessageQuery{SentAfterNs: stamps[1]})
		if err != nil {
			t.Fatal(err)
		}
		if len(messages) != 2 || messages[0].Content != "three" {
			t.Errorf("page after %d = %+v, want [three four]", stamps[1], messages)
		}
	})

	t.Run("timestamps strictly increase", func(t *testing.T) {
		for i := 1; i < len(stamps); i++ {
			if stamps[i] <= stamps[i-1] {
				t.Fatalf("stamps not strictly increasing: %v", stamps)
			}
		}
	})
}

func TestConsentPerMember(t *testing.T) {
	fixture := newTestNetwork(t, 0)
	alice := createClient(t, fixture, aliceAddress)
	bob := createClient(t, fixture, bobAddress)

	info, err := alice.CreateConversation(context.Background(), bobAddress)
	if err != nil {
		t.Fatal(err)
	}
	if info.Consent != chat.ConsentAllowed {
		t.Errorf("creator consent = %q, want allowed", info.Consent)
	}

	bobRecords, err := bob.ListConversations(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(bobRecords) != 1 || bobRecords[0].Consent != chat.ConsentUnknown {
		t.Fatalf("recipient records = %+v, want one with unknown consent", bobRecords)
	}

	if err := bob.UpdateConsent(context.Background(), info.ID, chat.ConsentDenied); err != nil {
		t.Fatal(err)
	}

	bobRecords, err = bob.ListConversations(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if bobRecords[0].Consent != chat.ConsentDenied {
		t.Errorf("recipient consent = %q, want denied", bobRecords[0].Consent)
	}

	aliceRecords, err := alice.ListConversations(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if aliceRecords[0].Consent != chat.ConsentAllowed {
		t.Errorf("creator consent = %q after peer denied, want allowed", aliceRecords[0].Consent)
	}
}

func TestDisappearingMessagesExpire(t *testing.T) {
	fixture := newTestNetwork(t, 0)
	alice := createClient(t, fixture, aliceAddress)

	info, err := alice.CreateConversation(context.Background(), bobAddress)
	if err != nil {
		t.Fatal(err)
	}

	retention := time.Hour
	if err := alice.SetDisappearingSettings(context.Background(), info.ID, retention); err != nil {
		t.Fatal(err)
	}
	settings, err := alice.DisappearingSettings(context.Background(), info.ID)
	if err != nil {
		t.Fatal(err)
	}
	if settings.RetentionNs != int64(retention) {
		t.Errorf("retention = %d, want %d", settings.RetentionNs, int64(retention))
	}

	if _, err := alice.SendText(context.Background(), info.ID, "expires"); err != nil {
		t.Fatal(err)
	}
	fixture.clock.Advance(30 * time.Minute)
	if _, err := alice.SendText(context.Background(), info.ID, "survives"); err != nil {
		t.Fatal(err)
	}

	fixture.clock.Advance(45 * time.Minute)

	messages, err := alice.Messages(context.Background(), info.ID, chat.MessageQuery{})
	if err != nil {
		t.Fatal(err)
	}
	var contents []string
	for _, record := range messages {
		if record.Kind == chat.KindApplication {
			contents = append(contents, record.Content)
		}
	}
	if len(contents) != 1 || contents[0] != "survives" {
		t.Errorf("visible history = %v, want only the younger message", contents)
	}

	records, err := alice.ListConversations(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if records[0].LastMessage == nil || records[0].LastMessage.Content != "survives" {
		t.Errorf("last message preview should skip expired records, got %+v", records[0].LastMessage)
	}
}

// --- Streaming tests ---

func TestStreamDeliversAcrossClients(t *testing.T) {
	fixture := newTestNetwork(t, 0)
	alice := createClient(t, fixture, aliceAddress)
	bob := createClient(t, fixture, bobAddress)

	info, err := alice.CreateConversation(context.Background(), bobAddress)
	if err != nil {
		t.Fatal(err)
	}

	stream, err := bob.StreamMessages(context.Background(), info.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	sent, err := alice.SendText(context.Background(), info.ID, "ping")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	received, err := stream.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if received.ID != sent.ID || received.Content != "ping" {
		t.Errorf("received %+v, want the sent message", received)
	}
	if received.SenderAddress != aliceAddress {
		t.Errorf("sender = %q, want %q", received.SenderAddress, aliceAddress)
	}
}

func TestStreamCloseYieldsEOF(t *testing.T) {
	fixture := newTestNetwork(t, 0)
	alice := createClient(t, fixture, aliceAddress)

	info, err := alice.CreateConversation(context.Background(), bobAddress)
	if err != nil {
		t.Fatal(err)
	}
	stream, err := alice.StreamMessages(context.Background(), info.ID)
	if err != nil {
		t.Fatal(err)
	}

	// Buffered before close, still delivered after it.
	if _, err := alice.SendText(context.Background(), info.ID, "buffered"); err != nil {
		t.Fatal(err)
	}
	if err := stream.Close(); err != nil {
		t.Fatal(err)
	}

	record, err := stream.Next(context.Background())
	if err != nil {
		t.Fatalf("buffered message after close: %v", err)
	}
	if record.Content != "buffered" {
		t.Errorf("content = %q, want %q", record.Content, "buffered")
	}

	if _, err := stream.Next(context.Background()); err != io.EOF {
		t.Errorf("err = %v, want io.EOF", err)
	}
}

func TestStreamNextHonorsContext(t *testing.T) {
	fixture := newTestNetwork(t, 0)
	alice := createClient(t, fixture, aliceAddress)

	info, err := alice.CreateConversation(context.Background(), bobAddress)
	if err != nil {
		t.Fatal(err)
	}
	stream, err := alice.StreamMessages(context.Background(), info.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := stream.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

// --- Client lifecycle tests ---

func TestClientCloseIsIdempotent(t *testing.T) {
	fixture := newTestNetwork(t, 0)
	client := createClient(t, fixture, aliceAddress)

	info, err := client.CreateConversation(context.Background(), bobAddress)
	if err != nil {
		t.Fatal(err)
	}
	stream, err := client.StreamMessages(context.Background(), info.ID)
	if err != nil {
		t.Fatal(err)
	}

	if err := client.Close(); err != nil {
		t.Fatal(err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}

	// The stream was torn down with the client.
	if _, err := stream.Next(context.Background()); err != io.EOF {
		t.Errorf("err = %v, want io.EOF after client close", err)
	}

	if _, err := client.ListConversations(context.Background()); err == nil {
		t.Error("operations on a closed client should fail")
	}
}
