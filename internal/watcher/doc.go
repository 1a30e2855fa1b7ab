// Package watcher turns file system activity under a workspace root into
// FileEvents and hands them to a Notifier.
//
// fsnotify is the primary source. Directories are watched recursively and
// new directories are added as they appear. When fsnotify cannot be
// initialized (network mounts, some container volumes) a polling scanner
// takes over.
//
// Only files whose extension is on the allow-list produce events. Ignored
// directories are not watched at all; per-file ignore decisions are left to
// the consumer so they show up in its batch summaries.
//
// Usage:
//
//	w, err := watcher.New(root, policy, watcher.Options{Extensions: exts})
//	if err != nil {
//	    return err
//	}
//	defer w.Stop()
//
//	// Blocks until ctx is cancelled or Stop is called.
//	err = w.Run(ctx, coordinator)
package watcher
