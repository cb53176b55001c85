// Penny token broker: the backend half of the Open Banking integration.
// It holds the provider client secret, exchanges and refreshes OAuth
// grants on behalf of the mobile app, enforces one-time authorization
// code consumption, and audits every token operation.
package main

import (
	"log"

	"github.com/ramzidaher/Penny-sub000/internal/bootstrap"
	"github.com/ramzidaher/Penny-sub000/internal/config"
)

func main() {
	cfg := config.Load()
	if err := bootstrap.Run(cfg); err != nil {
		log.Fatalf("Failed to start broker: %v", err)
	}
}
