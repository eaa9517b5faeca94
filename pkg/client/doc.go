// Package client is a Go client for the govledger operator API served by
// ledgerd under /api/v1.
//
// # Read-only access
//
// Reads need no token:
//
//	c, err := client.New("http://localhost:8080")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ov, err := c.Overview(ctx)
//	fmt.Println(ov.Length, ov.HeadHash)
//
// # Inclusion proofs
//
// Proof fetches a Merkle inclusion proof once the event's epoch is sealed.
// Proofs are self-contained and can be checked offline:
//
//	p, err := c.Proof(ctx, eventID)
//	if errors.Is(err, client.ErrNotSealed) {
//	    // retry after the next epoch seal
//	}
//	ok := merkle.VerifyProof(*p)
//
// # Offline verification
//
// Export downloads the full ledger with its epochs. The bundle can be saved
// and verified later without access to the server:
//
//	b, _ := c.Export(ctx)
//	res := verification.New(logger).VerifyComplete(ctx, b)
//
// # Halting
//
// TriggerHalt requires an operator token issued with the shared operator
// secret (see 'govctl token issue'):
//
//	c, _ := client.New(base, client.WithBearerToken(token))
//	st, err := c.TriggerHalt(ctx, halt.ReasonOperator, "quorum lost")
//
// Once halted, state-changing calls fail with ErrUnavailable. Reads,
// HaltStatus and VerifyProof keep working.
package client
