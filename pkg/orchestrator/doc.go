// Package orchestrator is the session facade: it starts sessions, collects
// resources, validates them against policy and quota, plans through the
// provisioning tool, estimates cost and, once a plan is approved, applies it
// in the background.
//
// A session moves DRAFT → VALIDATING → PLANNING → PLAN_READY → APPROVED →
// APPLYING → APPLIED, with FAILED, CANCELLED and EXPIRED as side exits.
// Operations on one session are serialized by a per-session lock. A plan
// holds it for the whole tool run, so a cancel or resource add waits for the
// plan to finish. The background apply releases it while the tool runs; the
// APPLYING state refuses every mutation meanwhile and lets reads through.
//
// Live sessions are cached. Every lookup falls back to the store, so a
// session evicted from the cache, or created by another process, is still
// found. Expired and cancelled sessions read as absent.
//
//	orch, _ := orchestrator.New(orchestrator.Options{
//		Store:    store,
//		Runners:  runner.NewFactory(runner.Options{Binary: "terraform"}, 4),
//		Renderer: catalog.NewRenderer(),
//		WorkRoot: "/var/lib/deployer/sessions",
//	})
//	s, _ := orch.StartSession(ctx, "alice", "web", engine.ProviderAWS, "us-east-1", 8*time.Hour)
//	orch.AddResource(ctx, s.ID, engine.ResourceCompute, map[string]interface{}{"size": "t3.small"})
//	if plan := orch.RunPlan(ctx, s.ID); plan.Success {
//		orch.ApproveAndApply(ctx, s.ID, "bob")
//		_ = orch.Wait(ctx, s.ID)
//	}
package orchestrator
