package hoist_test

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hoist-sh/hoist"
	"github.com/hoist-sh/hoist/run"
)

func Example() {
	conn, err := hoist.New("deploy@web1.example.com", hoist.WithPassword("s3cret"))
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()

	res, err := conn.Run(context.Background(), "uname -s", run.Hide(run.Out|run.Err))
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%s runs %s\n", conn, res.Stdout)
}

func ExampleConnection_Run_watchers() {
	conn, err := hoist.New("admin@db1.example.com:2222", hoist.WithKeyFiles("~/.ssh/id_ed25519"))
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()

	// answer the confirmation prompt every time it appears
	_, err = conn.Run(context.Background(), "apt-get upgrade",
		run.Watch(run.Respond(`Do you want to continue\? \[Y/n\] `, "y\n")),
		run.Timeout(10*time.Minute))
	if err != nil {
		log.Fatal(err)
	}
}

func ExampleConnection_Sudo() {
	cfg := hoist.DefaultConfig()
	cfg.Password = "s3cret"
	cfg.SudoPassword = "s3cret"
	conn, err := hoist.New("deploy@web1.example.com", hoist.WithConfig(cfg))
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()

	if _, err := conn.Sudo(context.Background(), "systemctl restart nginx"); err != nil {
		log.Fatal(err)
	}
}

func ExampleWithGateway() {
	bastion, err := hoist.New("ops@bastion.example.com")
	if err != nil {
		log.Fatal(err)
	}
	defer bastion.Close()

	// inner.Run dials the bastion first, then tunnels to the target
	inner, err := hoist.New("deploy@10.0.3.17", hoist.WithGateway(bastion))
	if err != nil {
		log.Fatal(err)
	}
	defer inner.Close()

	if _, err := inner.Run(context.Background(), "hostname"); err != nil {
		log.Fatal(err)
	}
}

func ExampleConnection_ForwardLocal() {
	conn, err := hoist.New("deploy@db1.example.com")
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()

	fwd, err := conn.ForwardLocal(context.Background(), "127.0.0.1:0", "127.0.0.1:5432")
	if err != nil {
		log.Fatal(err)
	}
	defer fwd.Close()

	fmt.Printf("postgres reachable on %s\n", fwd.Addr())
}

func ExampleGroup_RunConcurrent() {
	g, err := hoist.NewGroup(
		[]string{"web1.example.com", "web2.example.com", "web3.example.com"},
		hoist.WithUser("deploy"),
	)
	if err != nil {
		log.Fatal(err)
	}
	defer g.Close()

	results, err := g.RunConcurrent(context.Background(), "uptime")
	if err != nil {
		var groupErr *hoist.GroupError
		if errors.As(err, &groupErr) {
			log.Printf("%s", groupErr)
		}
	}
	for _, r := range results {
		if r.Err == nil {
			fmt.Printf("%s: %s", r.Conn, r.Result.Stdout)
		}
	}
}
