// Package intercom implements the core of a multi-channel intercom node:
// a deterministic audio mixing engine, push-to-talk arbitration, and an
// encrypted UDP control and media plane.
//
// Tablets exchange PCM frames and control requests with the engine over
// the intercom transport; the engine mixes tablet uplinks into channel
// buses and channel returns into per-tablet downlinks, at a fixed frame
// cadence.
//
// Example:
//
//	options := intercom.NewOptions()
//	options.Config.ListenAddr = ":33445"
//
//	node, err := intercom.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer node.Kill()
//
//	node.OnPTTChange(func(ev ptt.Event) {
//	    fmt.Printf("tablet %d %s on channel %d\n", ev.TabletID, ev.State, ev.Channel)
//	})
//
//	// Drive the engine clock
//	for node.IsRunning() {
//	    node.Iterate()
//	    time.Sleep(node.IterationInterval())
//	}
package intercom
