// Copyright 2026 The Heaven Authors
// SPDX-License-Identifier: Apache-2.0

package devnet

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/zeebo/blake3"

	"github.com/techno-hippies/dotheaven-sub017/lib/clock"
	"github.com/techno-hippies/dotheaven-sub017/store"
)

const (
	aliceAddress = "0x3f5ce5fbfe3e9af3971dd833d26ba9b5c936f0be"
	bobAddress   = "0x742d35cc6634c0532925a3b844bc454e4438f44e"
	carolAddress = "0x53d284357ec70ce289d6d64134dfac8e511c8a3d"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// staticSigner signs deterministically: 65 bytes derived from the
// address and the exact text, so distinct texts get distinct
// signatures without any real key material.
type staticSigner struct {
	address string
}

func (s *staticSigner) Address() string { return s.address }

func (s *staticSigner) SignText(ctx context.Context, text string) ([]byte, error) {
	signature := make([]byte, signatureSize)
	sum := blake3.Sum256([]byte(s.address + "\n" + text))
	copy(signature, sum[:])
	signature[signatureSize-1] = 27
	return signature, nil
}

// zeroSigner emits an all-zero signature that must be rejected.
type zeroSigner struct {
	address string
}

func (s *zeroSigner) Address() string { return s.address }

func (s *zeroSigner) SignText(ctx context.Context, text string) ([]byte, error) {
	return make([]byte, signatureSize), nil
}

type networkFixture struct {
	network *Network
	manager *store.Manager
	clock   *clock.FakeClock
	dataDir string
}

func newTestNetwork(t *testing.T, maxInstallations int) *networkFixture {
	t.Helper()
	return newTestNetworkAt(t, t.TempDir(), maxInstallations)
}

// newTestNetworkAt builds a hub over an existing data directory, so
// restart tests can bring up a second hub on the first hub's
// snapshots.
func newTestNetworkAt(t *testing.T, dataDir string, maxInstallations int) *networkFixture {
	t.Helper()

	manager, err := store.NewManager(store.Config{
		DataDir: dataDir,
		Logger:  discardLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { manager.Close() })

	fakeClock := clock.Fake(time.Unix(1700000000, 0))
	network, err := NewNetwork(Config{
		Store:            manager,
		MaxInstallations: maxInstallations,
		Clock:            fakeClock,
		Logger:           discardLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}

	return &networkFixture{
		network: network,
		manager: manager,
		clock:   fakeClock,
		dataDir: dataDir,
	}
}

// --- Identifier tests ---

func TestInboxIDForAddress(t *testing.T) {
	id := InboxIDForAddress(aliceAddress)
	if len(id) != 64 {
		t.Fatalf("inbox id length = %d, want 64", len(id))
	}
	if id != strings.ToLower(id) {
		t.Error("inbox id should be lowercase hex")
	}

	if InboxIDForAddress(strings.ToUpper(aliceAddress)) != id {
		t.Error("inbox id should be case-insensitive in the address")
	}
	if InboxIDForAddress(bobAddress) == id {
		t.Error("different addresses should get different inbox ids")
	}
}

func TestConversationIDIsOrderIndependent(t *testing.T) {
	alice := InboxIDForAddress(aliceAddress)
	bob := InboxIDForAddress(bobAddress)
	carol := InboxIDForAddress(carolAddress)

	id := conversationIDFor(alice, bob)
	if len(id) != 64 {
		t.Fatalf("conversation id length = %d, want 64", len(id))
	}
	if conversationIDFor(bob, alice) != id {
		t.Error("conversation id should not depend on member order")
	}
	if conversationIDFor(alice, carol) == id {
		t.Error("different pairs should get different conversation ids")
	}
	if conversationIDFor(alice, bob) == InboxIDForAddress(aliceAddress+bobAddress) {
		t.Error("conversation and inbox id spaces should be domain-separated")
	}
}

// --- Signature tests ---

func TestVerifySignature(t *testing.T) {
	valid := make([]byte, signatureSize)
	valid[0] = 1

	cases := []struct {
		name      string
		signature []byte
		ok        bool
	}{
		{"valid", valid, true},
		{"nil", nil, false},
		{"too short", make([]byte, signatureSize-1), false},
		{"too long", make([]byte, signatureSize+1), false},
		{"all zero", make([]byte, signatureSize), false},
	}

	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			err := verifySignature(testCase.signature)
			if testCase.ok && err != nil {
				t.Errorf("verifySignature() = %v, want nil", err)
			}
			if !testCase.ok && err == nil {
				t.Error("verifySignature() = nil, want error")
			}
		})
	}
}

func TestRegisterRejectsZeroSignature(t *testing.T) {
	fixture := newTestNetwork(t, 0)

	_, err := fixture.network.Connector().Create(context.Background(), aliceAddress, &zeroSigner{address: aliceAddress})
	if err == nil {
		t.Fatal("create with an all-zero signature should fail")
	}
	if !strings.Contains(err.Error(), "zero") {
		t.Errorf("err = %v, want a signature rejection", err)
	}
}

func TestRegisterInstallationCapMessage(t *testing.T) {
	fixture := newTestNetwork(t, 2)
	connector := fixture.network.Connector()
	signer := &staticSigner{address: aliceAddress}

	for i := 0; i < 2; i++ {
		client, err := connector.Create(context.Background(), aliceAddress, signer)
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		defer client.Close()
	}

	_, err := connector.Create(context.Background(), aliceAddress, signer)
	if err == nil {
		t.Fatal("create past the cap should fail")
	}
	inboxID := InboxIDForAddress(aliceAddress)
	want := fmt.Sprintf(
		"Cannot register a new installation because the InboxID %s has already registered 2/2 installations",
		inboxID)
	if err.Error() != want {
		t.Errorf("limit message =\n  %q\nwant\n  %q", err.Error(), want)
	}
}

// --- Fan-out tests ---

func TestFanOutDropsOnStalledSubscriber(t *testing.T) {
	fixture := newTestNetwork(t, 0)
	connector := fixture.network.Connector()

	alice, err := connector.Create(context.Background(), aliceAddress, &staticSigner{address: aliceAddress})
	if err != nil {
		t.Fatal(err)
	}
	defer alice.Close()

	info, err := alice.CreateConversation(context.Background(), bobAddress)
	if err != nil {
		t.Fatal(err)
	}

	stream, err := alice.StreamMessages(context.Background(), info.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	// Nobody reads the stream: fill the buffer and overflow it.
	for i := 0; i < DefaultStreamBuffer+10; i++ {
		if _, err := alice.SendText(context.Background(), info.ID, fmt.Sprintf("message %d", i)); err != nil {
			t.Fatal(err)
		}
	}

	if dropped := fixture.network.DroppedMessages(); dropped != 10 {
		t.Errorf("dropped = %d, want 10", dropped)
	}

	// The buffered prefix is still fully readable.
	first, err := stream.Next(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if first.Content != "message 0" {
		t.Errorf("first buffered message = %q, want %q", first.Content, "message 0")
	}
}
