//go:build integration

package firestore_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	pconfig "github.com/freshnest/api/internal/platform/config"
	pfirestore "github.com/freshnest/api/internal/platform/firestore"
)

const emulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"

type counterDoc struct {
	Label    string `firestore:"label"`
	Attempts int    `firestore:"attempts"`
}

// Runs against the Firestore emulator in docker, covering the provider
// lifecycle, typed collection reads and updates, error classification, and
// transactions.
func TestProviderAndCollectionIntegration(t *testing.T) {
	endpoint := runEmulator(t)

	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{
		ProjectID:    "freshnest-it",
		EmulatorHost: endpoint,
	})
	t.Cleanup(func() {
		_ = provider.Close(context.Background())
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	client, err := provider.Client(ctx)
	if err != nil {
		t.Fatalf("Client: %v", err)
	}

	seedRef := client.Collection("paymentAttempts").Doc("att_1")
	if _, err := seedRef.Create(ctx, counterDoc{Label: "card", Attempts: 1}); err != nil {
		t.Fatalf("seeding document: %v", err)
	}

	coll := pfirestore.NewCollection[counterDoc](provider, "paymentAttempts")

	doc, err := coll.Get(ctx, "att_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if doc.ID != "att_1" || doc.Data.Label != "card" || doc.Data.Attempts != 1 {
		t.Fatalf("unexpected document: %#v", doc)
	}
	if doc.UpdateTime.IsZero() {
		t.Fatal("document update time must be populated")
	}

	if err := coll.Update(ctx, "att_1", []firestore.Update{{Path: "attempts", Value: 2}}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if doc, err = coll.Get(ctx, "att_1"); err != nil || doc.Data.Attempts != 2 {
		t.Fatalf("after update: attempts=%d err=%v", doc.Data.Attempts, err)
	}

	docs, err := coll.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("label", "==", "card")
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("query matched %d documents, want 1", len(docs))
	}

	_, err = coll.Get(ctx, "att_missing")
	var notFound interface{ IsNotFound() bool }
	if !errors.As(err, &notFound) || !notFound.IsNotFound() {
		t.Fatalf("missing document must classify as not found, got %v", err)
	}

	err = provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(seedRef)
		if err != nil {
			return err
		}
		var current counterDoc
		if err := snap.DataTo(&current); err != nil {
			return err
		}
		current.Attempts++
		return tx.Set(seedRef, current)
	})
	if err != nil {
		t.Fatalf("RunTransaction: %v", err)
	}
	if doc, err = coll.Get(ctx, "att_1"); err != nil || doc.Data.Attempts != 3 {
		t.Fatalf("after transaction: attempts=%d err=%v", doc.Data.Attempts, err)
	}

	cancelled, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	err = provider.RunTransaction(cancelled, func(context.Context, *firestore.Transaction) error {
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled transaction must surface context.Canceled, got %v", err)
	}
}

// runEmulator starts the Firestore emulator in a throwaway container and
// returns its endpoint. Skips the test when docker is unusable.
func runEmulator(t *testing.T) string {
	t.Helper()

	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not installed: " + err.Error())
	}
	infoCtx, cancelInfo := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelInfo()
	if err := exec.CommandContext(infoCtx, "docker", "info").Run(); err != nil {
		t.Skip("docker daemon unavailable: " + err.Error())
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("allocating port: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()

	out, err := exec.Command("docker",
		"run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		emulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start",
		"--host-port=0.0.0.0:8080",
		"--quiet",
	).CombinedOutput()
	if err != nil {
		t.Fatalf("starting emulator: %v - %s", err, out)
	}
	containerID := strings.TrimSpace(string(out))
	if containerID == "" {
		t.Fatal("docker returned an empty container id")
	}
	t.Cleanup(func() {
		stopCtx, cancelStop := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelStop()
		_ = exec.CommandContext(stopCtx, "docker", "stop", containerID).Run()
	})

	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	awaitEndpoint(t, endpoint, 30*time.Second)
	return endpoint
}

func awaitEndpoint(t *testing.T, endpoint string, patience time.Duration) {
	t.Helper()
	deadline := time.Now().Add(patience)
	lastErr := errors.New("never attempted")
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		lastErr = err
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("emulator at %s never became ready: %v", endpoint, lastErr)
}
