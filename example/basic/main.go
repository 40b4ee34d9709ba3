// Example: two participants sharing one in-memory store, running the full
// start/join/leave call flow.
//
// Build: go build -o voicemesh_example example/basic/main.go
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/leetbattle/voicemesh/pkg/call"
	"github.com/leetbattle/voicemesh/pkg/mesh"
	"github.com/leetbattle/voicemesh/pkg/store"
)

func main() {
	fmt.Println("=== VoiceMesh Basic Example ===")
	fmt.Println()

	ctx := context.Background()
	st := store.NewMemoryStore()
	roomID := call.NormalizeRoomID("Example Room")

	// 1. Create one session per participant.
	fmt.Println("1. Creating sessions...")
	alice, err := mesh.NewSession(st, roomID, "alice", mesh.DefaultSessionConfig())
	if err != nil {
		fmt.Printf("   Error: %v\n", err)
		return
	}
	defer alice.Close()

	bob, err := mesh.NewSession(st, roomID, "bob", mesh.DefaultSessionConfig())
	if err != nil {
		fmt.Printf("   Error: %v\n", err)
		return
	}
	defer bob.Close()
	fmt.Println("   ✓ Sessions created")

	// 2. Stand up the room roster.
	fmt.Println("\n2. Joining room...")
	if err := alice.Manager().EnsureRoom(ctx, "Example Room"); err != nil {
		fmt.Printf("   Error: %v\n", err)
		return
	}
	if err := bob.Manager().EnsureRoom(ctx, "Example Room"); err != nil {
		fmt.Printf("   Error: %v\n", err)
		return
	}
	fmt.Println("   ✓ Both participants in room", roomID)

	// 3. Alice starts the call, inviting bob.
	fmt.Println("\n3. Starting call...")
	if err := alice.Start(ctx, []string{"bob"}); err != nil {
		fmt.Printf("   Error: %v\n", err)
		return
	}
	fmt.Println("   ✓ alice started the call")

	// 4. Bob joins.
	if err := bob.Join(ctx); err != nil {
		fmt.Printf("   Error: %v\n", err)
		return
	}
	fmt.Println("   ✓ bob joined the call")

	// 5. Let negotiation run, then show both sides.
	fmt.Println("\n4. Negotiating...")
	time.Sleep(3 * time.Second)
	fmt.Printf("   alice: %s\n", alice.Status().ToJSON())
	fmt.Printf("   bob:   %s\n", bob.Status().ToJSON())

	// 6. Mute demo.
	fmt.Println("\n5. Muting alice's microphone...")
	alice.SetMicMuted(true)
	fmt.Printf("   alice mic muted: %v\n", alice.MicMuted())

	// 7. Bob leaves; alice stays alone until she leaves too.
	fmt.Println("\n6. Leaving...")
	if err := bob.Leave(ctx); err != nil {
		fmt.Printf("   Error: %v\n", err)
	}
	time.Sleep(500 * time.Millisecond)
	fmt.Printf("   alice links after bob left: %d\n", len(alice.Pool().Remotes()))

	if err := alice.Leave(ctx); err != nil {
		fmt.Printf("   Error: %v\n", err)
	}

	_, active, _ := alice.Manager().Current(ctx)
	fmt.Printf("   call still active: %v\n", active)

	fmt.Println("\n=== Example Complete ===")
}
