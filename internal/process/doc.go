// Package process spawns and tracks extension child processes.
//
// Every child is started in its own process group and, on Linux, with a
// parent-death signal so it cannot outlive the supervisor. The Registry
// keeps every live child so that a normal shutdown can terminate the whole
// set:
//
//	reg := process.NewRegistry()
//	defer reg.Shutdown(5 * time.Second)
//
//	proc, err := reg.Start("viewer", process.Command{Path: "/opt/viewer"})
//	if err != nil {
//	    return err
//	}
//	<-proc.Done()
//
// Registry implements Spawner, the interface the extension package uses to
// obtain process Handles. Tests substitute an in-memory Spawner.
//
// Suspicious applies a zombie heuristic to a running child using gopsutil.
package process
