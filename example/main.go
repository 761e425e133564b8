// This is meant as a very simple example of how the arbiter can guard a
// service that must run at exactly one site at a time.
//
// Three sites run in one process on an in-memory network. Each site
// exposes an HTTP endpoint that only answers while the site holds the
// ticket. After a few seconds the active site is cut off from the others
// and the service moves.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/Mathew-Estafanous/arbiter"
	"github.com/Mathew-Estafanous/arbiter/cluster"
	"github.com/Mathew-Estafanous/arbiter/transport"
	"github.com/Mathew-Estafanous/arbiter/wire"
)

const ticketName = "web"

// guardedService serves requests only while its site leads the ticket.
type guardedService struct {
	site   string
	active atomic.Bool
}

func (g *guardedService) OnEvent(ev arbiter.Event) error {
	switch ev.Type {
	case arbiter.EventBecameLeader:
		g.active.Store(true)
		log.Printf("[%s] starting service (term %d)", g.site, ev.Term)
	case arbiter.EventLostLeadership:
		if g.active.Swap(false) {
			log.Printf("[%s] stopping service (%s)", g.site, ev.Reason)
		}
	}
	return nil
}

func (g *guardedService) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	if !g.active.Load() {
		http.Error(w, "standby", http.StatusServiceUnavailable)
		return
	}
	fmt.Fprintf(w, "served by %s\n", g.site)
}

// [exe] <FirstHTTPPort>
func main() {
	httpPort := 8000
	if len(os.Args) > 1 {
		p, err := strconv.Atoi(os.Args[1])
		if err != nil {
			log.Fatalln(err)
		}
		httpPort = p
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	auth, err := wire.NewAuthenticator(wire.HashBLAKE3, []byte("example-shared-key"))
	if err != nil {
		log.Fatalln(err)
	}

	registry := transport.NewRegistry()
	configs := []cluster.SiteConfig{{Addr: "site-1"}, {Addr: "site-2"}, {Addr: "site-3"}}
	ticket := arbiter.TicketConfig{
		Name:         ticketName,
		Expiry:       3 * time.Second,
		Timeout:      300 * time.Millisecond,
		AcquireAfter: 500 * time.Millisecond,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	services := make(map[string]*guardedService)
	for i, sc := range configs {
		dir, err := cluster.New(configs, sc.Addr, wire.DefaultPort, cluster.WithLogger(logger))
		if err != nil {
			log.Fatalln(err)
		}
		addr := dir.Local().Addr
		trans := transport.NewMemoryTransport(addr, registry)
		a, err := arbiter.New(dir, trans, auth, []arbiter.TicketConfig{ticket}, arbiter.Options{
			Logger:        logger,
			ReleaseOnStop: true,
		})
		if err != nil {
			log.Fatalln(err)
		}
		svc := &guardedService{site: addr}
		a.AddListener(svc)
		services[addr] = svc

		go func() {
			if err := a.Run(ctx); err != nil {
				log.Println(err)
			}
		}()
		port := ":" + strconv.Itoa(httpPort+i)
		go func() {
			if err := http.ListenAndServe(port, svc); err != nil {
				log.Println(err)
			}
		}()
		log.Printf("[%s] http on %s", addr, port)
	}

	active := waitForActive(services, 10*time.Second)
	if active == "" {
		log.Fatalln("no site took the ticket")
	}
	log.Printf("ticket %q is held by %s", ticketName, active)

	var rest []string
	for addr := range services {
		if addr != active {
			rest = append(rest, addr)
		}
	}
	log.Printf("partitioning %s from %v", active, rest)
	registry.Partition([]string{active}, rest)

	time.Sleep(ticket.Expiry)
	next := waitForActive(services, 10*time.Second)
	log.Printf("ticket %q moved to %s", ticketName, next)

	registry.Heal()
	time.Sleep(2 * time.Second)
	log.Println("Arbiter cluster simulation shutdown.")
}

func waitForActive(services map[string]*guardedService, timeout time.Duration) string {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for addr, svc := range services {
			if svc.active.Load() {
				return addr
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return ""
}
