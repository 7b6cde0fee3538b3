// Package main implements the renderkit-cache client binary.
// It reads and writes cache entries either through a running renderkit
// daemon's unix socket or directly against a cache directory.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"

	"github.com/renderkit/renderkit/internal/app"
	"github.com/renderkit/renderkit/internal/pcache"
)

func main() {
	var (
		socketPath string
		dir        string
		cacheID    string
		signature  int64
	)

	flag.StringVar(&socketPath, "socket", "", "Unix socket of a running renderkit daemon")
	flag.StringVar(&dir, "dir", "", "Cache directory for direct access (no daemon)")
	flag.StringVar(&cacheID, "id", "default", "Cache id")
	flag.Int64Var(&signature, "signature", 0, "Input signature to store with put")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "renderkit-cache - cache entry tool\n\n")
		fmt.Fprintf(os.Stderr, "Usage: renderkit-cache [options] get <key>\n")
		fmt.Fprintf(os.Stderr, "       renderkit-cache [options] put <key>   (value on stdin)\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  renderkit-cache --socket /data/renderkit/cache.sock get shader:42\n")
		fmt.Fprintf(os.Stderr, "  echo -n blob | renderkit-cache --dir /data/renderkit/cache put shader:42\n")
	}

	flag.Parse()

	args := flag.Args()
	if len(args) != 2 {
		flag.Usage()
		os.Exit(2)
	}
	command, key := args[0], args[1]

	if (socketPath == "") == (dir == "") {
		log.Fatalf("exactly one of --socket or --dir is required")
	}

	var err error
	switch command {
	case "get":
		err = runGet(socketPath, dir, cacheID, key)
	case "put":
		err = runPut(socketPath, dir, cacheID, key, signature)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s failed: %v", command, err)
	}
}

// openCache returns a cache for cacheID, either handed off by the daemon or
// opened directly on the cache directory.
func openCache(socketPath, dir, cacheID string, readWrite bool) (*pcache.PersistentCache, func(), error) {
	if socketPath != "" {
		cache, err := requestCache(socketPath, cacheID, readWrite)
		if err != nil {
			return nil, nil, err
		}
		return cache, func() { cache.Close() }, nil
	}

	collection := pcache.NewCollection(dir, 0, 1)
	var params *pcache.BackendParams
	var err error
	if readWrite {
		params, err = collection.ExportReadWriteBackendParams(cacheID)
	} else {
		params, err = collection.ExportReadOnlyBackendParams(cacheID)
	}
	if err != nil {
		collection.Clear()
		return nil, nil, err
	}
	cache, err := pcache.Open(params)
	if err != nil {
		collection.Clear()
		return nil, nil, err
	}
	return cache, func() {
		cache.Close()
		collection.Clear()
	}, nil
}

// requestCache asks the daemon for backend params and opens a cache on them.
func requestCache(socketPath, cacheID string, readWrite bool) (*pcache.PersistentCache, error) {
	addr := &net.UnixAddr{Name: socketPath, Net: "unix"}
	conn, err := net.DialUnix("unix", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial daemon: %w", err)
	}
	defer conn.Close()

	request, err := json.Marshal(app.ParamsRequest{CacheID: cacheID, ReadWrite: readWrite})
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(append(request, '\n')); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	params, err := pcache.ReceiveBackendParams(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to receive params: %w", err)
	}
	return pcache.Open(params)
}

func runGet(socketPath, dir, cacheID, key string) error {
	cache, release, err := openCache(socketPath, dir, cacheID, false)
	if err != nil {
		return err
	}
	defer release()

	entry, err := cache.Find(key)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("key %q not found", key)
	}

	log.Printf("signature=%d write_timestamp=%d size=%d",
		entry.Metadata.InputSignature, entry.Metadata.WriteTimestamp, len(entry.Content))
	_, err = os.Stdout.Write(entry.Content)
	return err
}

func runPut(socketPath, dir, cacheID, key string, signature int64) error {
	content, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("failed to read value from stdin: %w", err)
	}

	cache, release, err := openCache(socketPath, dir, cacheID, true)
	if err != nil {
		return err
	}
	defer release()

	meta := pcache.EntryMetadata{InputSignature: signature}
	if err := cache.Insert(key, content, meta); err != nil {
		return err
	}
	log.Printf("stored %d bytes under %q", len(content), key)
	return nil
}
