// dkimctl provisions DKIM signing for a tenant domain: it generates (or
// reuses) the keypair, appends the OpenDKIM table lines, stores the key row,
// and rewrites the domain's DNS expectations so the verifier picks up the
// new selector. Run it on the MTA host where the key directory lives.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/monkeysmail/platform/internal/config"
	"github.com/monkeysmail/platform/internal/dkim"
	"github.com/monkeysmail/platform/internal/domain"
	"github.com/monkeysmail/platform/internal/repository/postgres"
)

func main() {
	var (
		tenantID   = flag.Int64("tenant", 0, "tenant id owning the domain")
		domainName = flag.String("domain", "", "sending domain, e.g. mail.example.com")
		selector   = flag.String("selector", "", "DKIM selector (default from config)")
		dryRun     = flag.Bool("dry-run", false, "generate and print, skip DB and table writes")
	)
	flag.Parse()

	if *tenantID == 0 || *domainName == "" {
		flag.Usage()
		os.Exit(2)
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *selector == "" {
		*selector = cfg.DKIM.DefaultSelector
	}

	keys := dkim.NewKeyService(cfg.DKIM.KeyDir)

	if *dryRun {
		material, err := keys.Ensure(*domainName, *selector)
		if err != nil {
			log.Fatalf("generate key: %v", err)
		}
		fmt.Printf("key:      %s\n", material.PrivateKeyPath)
		fmt.Printf("txt name: %s\n", material.TXTName)
		fmt.Printf("txt value:\n%s\n", material.TXTValue)
		return
	}

	registrar := dkim.NewRegistrar(keys, cfg.DKIM.KeyTablePath, cfg.DKIM.SigningTablePath, cfg.DKIM.PIDFile)
	material, err := registrar.Register(*domainName, *selector)
	if err != nil {
		log.Fatalf("register: %v", err)
	}

	db, err := postgres.Open(cfg.Database.URL, 2, 1, 0)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	repo := postgres.NewDomainRepo(db)
	d, err := repo.GetByName(ctx, *tenantID, *domainName)
	if err != nil {
		log.Fatalf("load domain %s: %v", *domainName, err)
	}

	id, err := repo.InsertDkimKey(ctx, &domain.DkimKey{
		DomainID:       d.ID,
		Selector:       material.Selector,
		PublicPEM:      material.PublicPEM,
		PrivateKeyPath: material.PrivateKeyPath,
		TxtValue:       material.TXTValue,
	})
	if err != nil {
		log.Fatalf("store key: %v", err)
	}

	d.DkimSelector = material.Selector
	d.DkimTxtValue = material.TXTValue
	if err := repo.UpdateExpectations(ctx, d); err != nil {
		log.Fatalf("update expectations: %v", err)
	}

	log.Printf("DKIM key %d active for %s (selector %s)", id, material.Domain, material.Selector)
	fmt.Printf("Publish this TXT record:\n  %s\n  %s\n", material.TXTName, material.TXTValue)
}
