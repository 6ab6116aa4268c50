package keel_test

import (
	"context"
	"fmt"
	"log"

	"github.com/keelframework/keel"
)

type MailConfig struct {
	From string
}

type Mailer struct {
	From string
}

func NewMailer(cfg *MailConfig) *Mailer {
	return &Mailer{From: cfg.From}
}

func ExampleBuild() {
	manifest := keel.NewManifest("mail",
		keel.ProvideValue(&MailConfig{From: "noreply@example.com"}),
		keel.ProvideConstructor(NewMailer, keel.WithScope(keel.ScopeSingleton)),
	)

	root, err := keel.Build([]*keel.Manifest{manifest})
	if err != nil {
		log.Fatal(err)
	}
	defer root.Shutdown(context.Background())

	scope := root.CreateChildScope()
	defer scope.Shutdown(context.Background())

	mailer := keel.MustResolve[*Mailer](scope)
	fmt.Println(mailer.From)
	// Output: noreply@example.com
}

func ExampleNamedToken() {
	root := keel.New()
	defer root.Shutdown(context.Background())

	primary := keel.NamedToken("db.primary")
	replica := keel.NamedToken("db.replica")

	_ = root.RegisterInstance(primary, "postgres://primary", keel.ScopeSingleton)
	_ = root.RegisterInstance(replica, "postgres://replica", keel.ScopeSingleton)

	dsn, _ := root.Resolve(replica)
	fmt.Println(dsn)
	// Output: postgres://replica
}

func ExampleContainer_CreateChildScope() {
	manifest := keel.NewManifest("app",
		keel.ProvideConstructor(func() *MailConfig {
			return &MailConfig{From: "per-request"}
		}, keel.WithScope(keel.ScopeRequest)),
	)

	root, err := keel.Build([]*keel.Manifest{manifest})
	if err != nil {
		log.Fatal(err)
	}
	defer root.Shutdown(context.Background())

	// One scope per unit of work; cached instances die with the scope.
	scope := root.CreateChildScope()
	defer scope.Shutdown(context.Background())

	a := keel.MustResolve[*MailConfig](scope)
	b := keel.MustResolve[*MailConfig](scope)
	fmt.Println(a == b)
	// Output: true
}
