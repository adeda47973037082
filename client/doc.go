// Package client provides the Go SDK for catalogd's HTTP surface: job
// triggers, status, and the operator admin endpoint.
//
// Copyright (C) 2025 Michel Blomgren <https://pkt.systems>
//
// # Quick start
//
//	cli, err := client.New("http://catalogd:8080", client.WithAdminSecret(os.Getenv("ADMIN_SECRET")))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	res, err := cli.Run(ctx, "musts")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(res.StatusCode, res.Response.Status)
//
// # Admin sessions
//
// Mutating admin actions need the token returned by AcquireAdminLock. The
// TokenStore keeps it in a 0600 file between CLI invocations:
//
//	store := client.NewTokenStore("")
//	token, _, err := cli.AcquireAdminLock(ctx)
//	if err == nil {
//	    _ = store.Save(token)
//	}
//	_, err = cli.ContextUnsuspend(ctx, token, client.TargetRun)
//	_, _ = cli.ReleaseAdminLock(ctx, token)
//	_ = store.Clear()
package client
