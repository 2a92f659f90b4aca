package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/punchamoorthee/payswitch/internal/config"
	"github.com/punchamoorthee/payswitch/internal/domain"
	"github.com/punchamoorthee/payswitch/internal/logger"
	"github.com/punchamoorthee/payswitch/internal/migrations"
	"github.com/punchamoorthee/payswitch/internal/store"
	"go.uber.org/zap"
)

// keyFile is read back by the benchmark so it can sign as each payer bank.
type keyFile struct {
	PrivateKeys map[string]string `json:"privateKeys"`
	VPAsPerBank int               `json:"vpasPerBank"`
}

// vpa is the deterministic name of the i-th seeded account at code.
func vpa(i int, code string) string {
	return fmt.Sprintf("user%05d@%s", i, strings.ToLower(code))
}

func main() {
	banks := flag.String("banks", "AXIS,HDFC,ICICI,SBI", "Comma separated bank codes")
	perBank := flag.Int("vpas", 1000, "VPAs to create per bank")
	endpoint := flag.String("endpoint", "http://%s.bank.local:9000", "Bank endpoint template, %s is the lower-case code")
	keysPath := flag.String("keys", "bank-keys.json", "Where to write the generated signing keys")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := seed(context.Background(), cfg.DBSource, strings.Split(*banks, ","), *perBank, *endpoint, *keysPath, log); err != nil {
		log.Fatal("seeding failed", zap.Error(err))
	}
}

func seed(ctx context.Context, dsn string, codes []string, perBank int, endpoint, keysPath string, log *zap.Logger) error {
	if err := migrations.Up(dsn); err != nil {
		return err
	}
	st, err := store.NewPostgres(ctx, dsn)
	if err != nil {
		return err
	}
	defer st.Close()

	log.Info("seeding banks", zap.Strings("banks", codes))
	keys := keyFile{PrivateKeys: map[string]string{}, VPAsPerBank: perBank}
	now := time.Now().UTC()
	for _, code := range codes {
		code = strings.ToUpper(strings.TrimSpace(code))
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return err
		}
		err = st.UpsertBank(ctx, domain.Bank{
			Code:      code,
			Name:      code + " Bank",
			Endpoint:  fmt.Sprintf(endpoint, strings.ToLower(code)),
			PublicKey: base64.StdEncoding.EncodeToString(pub),
			CreatedAt: now,
		})
		if err != nil {
			return fmt.Errorf("bank %s: %w", code, err)
		}
		keys.PrivateKeys[code] = base64.StdEncoding.EncodeToString(priv)
	}

	var count int
	if err := st.Db.QueryRow(ctx, "SELECT COUNT(*) FROM vpa_directory").Scan(&count); err != nil {
		return err
	}
	if count >= perBank*len(codes) {
		log.Info("directory already seeded, skipping VPAs", zap.Int("vpas", count))
	} else {
		rows := make([][]any, 0, perBank*len(codes))
		for code := range keys.PrivateKeys {
			for i := range perBank {
				rows = append(rows, []any{vpa(i, code), code, now})
			}
		}
		conn, err := st.Db.Acquire(ctx)
		if err != nil {
			return err
		}
		defer conn.Release()
		tx, err := conn.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)
		if _, err := tx.Exec(ctx, "DELETE FROM vpa_directory"); err != nil {
			return err
		}
		n, err := tx.CopyFrom(ctx,
			pgx.Identifier{"vpa_directory"},
			[]string{"vpa", "bank_code", "created_at"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("bulk insert failed: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		log.Info("seeded VPAs", zap.Int64("vpas", n))
	}

	raw, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(keysPath, raw, 0o600); err != nil {
		return err
	}
	log.Info("signing keys written", zap.String("path", keysPath))
	return nil
}
