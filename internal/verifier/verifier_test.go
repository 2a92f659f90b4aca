package verifier

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/punchamoorthee/payswitch/internal/clock"
	"github.com/punchamoorthee/payswitch/internal/domain"
	"github.com/punchamoorthee/payswitch/internal/models"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func keypair(t *testing.T) (string, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(pub), priv
}

func payment() models.PaymentRequest {
	return models.PaymentRequest{
		DedupeKey: "key-1",
		PayerVPA:  "alice@axis",
		PayeeVPA:  "bob@hdfc",
		Amount:    2500,
		Currency:  "INR",
	}
}

func TestCanonicalizeIgnoresFieldOrderAndWhitespace(t *testing.T) {
	a := []byte(`{"dedupeKey":"key-1","payerVPA":"alice@axis","payeeVPA":"bob@hdfc","amountMinorUnits":2500,"currency":"INR"}`)
	b := []byte(`{
		"currency": " inr ",
		"amountMinorUnits": 2500,
		"payeeVPA": "BOB@hdfc",
		"payerVPA": " alice@axis",
		"dedupeKey": "key-1"
	}`)
	var ra, rb models.PaymentRequest
	require.NoError(t, json.Unmarshal(a, &ra))
	require.NoError(t, json.Unmarshal(b, &rb))

	assert.Equal(t, Canonicalize(ra), Canonicalize(rb))
	assert.Equal(t, Hash(Canonicalize(ra)), Hash(Canonicalize(rb)))
}

func TestCanonicalizeDistinguishesAmounts(t *testing.T) {
	a := payment()
	b := payment()
	b.Amount++
	assert.NotEqual(t, Hash(Canonicalize(a)), Hash(Canonicalize(b)))
}

func TestCanonicalizeKeepsDedupeKeyVerbatim(t *testing.T) {
	a := payment()
	b := payment()
	b.DedupeKey += " "
	assert.NotEqual(t, Hash(Canonicalize(a)), Hash(Canonicalize(b)))
}

func TestCanonicalFormIsSortedLines(t *testing.T) {
	want := "amountMinorUnits=2500\ncurrency=INR\ndedupeKey=key-1\nmcc=\npayeeVPA=bob@hdfc\npayerVPA=alice@axis\ntype=P2P\n"
	assert.Equal(t, want, string(Canonicalize(payment())))
}

func TestVerify(t *testing.T) {
	pub, priv := keypair(t)
	req := payment()
	req.Signature = Sign(req, priv)

	v, err := Verify(req, pub)
	require.NoError(t, err)
	assert.Equal(t, Hash(Canonicalize(req)), v.Hash)

	tampered := req
	tampered.Amount = 9999
	_, err = Verify(tampered, pub)
	assert.True(t, errors.Is(err, domain.ErrInvalidSignature))

	otherPub, _ := keypair(t)
	_, err = Verify(req, otherPub)
	assert.True(t, errors.Is(err, domain.ErrInvalidSignature))

	garbage := req
	garbage.Signature = "bm90LWEtc2ln"
	_, err = Verify(garbage, pub)
	assert.True(t, errors.Is(err, domain.ErrInvalidSignature))
}

func TestVerifyAcceptsRawURLSignature(t *testing.T) {
	pub, priv := keypair(t)
	req := payment()
	req.Signature = base64.RawURLEncoding.EncodeToString(ed25519.Sign(priv, Canonicalize(req)))

	_, err := Verify(req, pub)
	assert.NoError(t, err)
}

func TestDecodePublicKeyRejectsWrongSize(t *testing.T) {
	_, err := DecodePublicKey(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.Error(t, err)
}

func TestMemoryDedupeCache(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := NewMemoryDedupeCache(time.Hour, clk)
	ctx := context.Background()

	owner, err := c.Remember(ctx, "alice@axis", "k", "txn-1")
	require.NoError(t, err)
	assert.Equal(t, "txn-1", owner)

	owner, err = c.Remember(ctx, "alice@axis", "k", "txn-2")
	require.NoError(t, err)
	assert.Equal(t, "txn-1", owner)

	id, ok, err := c.Lookup(ctx, "alice@axis", "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "txn-1", id)

	_, ok, _ = c.Lookup(ctx, "carol@axis", "k")
	assert.False(t, ok)

	clk.Advance(2 * time.Hour)
	_, ok, _ = c.Lookup(ctx, "alice@axis", "k")
	assert.False(t, ok)
}

func TestMemoryDedupeCacheConcurrentRemember(t *testing.T) {
	c := NewMemoryDedupeCache(time.Hour, clock.System())
	ctx := context.Background()

	var wg sync.WaitGroup
	owners := make([]string, 50)
	for i := range owners {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			owners[i], _ = c.Remember(ctx, "alice@axis", "k", string(rune('a'+i%26))+"-txn")
		}(i)
	}
	wg.Wait()
	for _, o := range owners {
		assert.Equal(t, owners[0], o)
	}
}

func TestRedisDedupeCache(t *testing.T) {
	addr := os.Getenv("SWITCH_TEST_REDIS")
	if addr == "" {
		t.Skip("SWITCH_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	ctx := context.Background()
	c := NewRedisDedupeCache(client, time.Minute)
	key := "k-" + time.Now().Format(time.RFC3339Nano)

	owner, err := c.Remember(ctx, "alice@axis", key, "txn-1")
	require.NoError(t, err)
	assert.Equal(t, "txn-1", owner)

	owner, err = c.Remember(ctx, "alice@axis", key, "txn-2")
	require.NoError(t, err)
	assert.Equal(t, "txn-1", owner)
}
