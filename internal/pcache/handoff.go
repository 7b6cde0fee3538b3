package pcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// BackendParams handoff over a Unix domain socket. The non-handle fields
// travel as a JSON header; the three file handles ride the same message as
// SCM_RIGHTS ancillary data. Serialization consumes the sender's handles so
// exactly one side owns them, and both directions fail closed: a params
// bundle missing a valid handle is never sent, and a message arriving with
// the wrong handle count is discarded whole.

type paramsHeader struct {
	Type      BackendType `json:"type"`
	ReadWrite bool        `json:"read_write"`
}

const handoffFileCount = 3

// SendBackendParams transfers params over conn, consuming its handles.
// The handles are closed locally once sent; the receiver owns them now.
func SendBackendParams(conn *net.UnixConn, params *BackendParams) error {
	if !params.Valid() {
		return errors.New("pcache: refusing to serialize params without valid handles")
	}
	db, journal, lock := params.take()
	defer db.Close()
	defer journal.Close()
	defer lock.Close()

	header, err := json.Marshal(paramsHeader{Type: params.Type, ReadWrite: params.ReadWrite})
	if err != nil {
		return fmt.Errorf("pcache: encode params header: %w", err)
	}
	rights := unix.UnixRights(int(db.Fd()), int(journal.Fd()), int(lock.Fd()))
	if _, _, err := conn.WriteMsgUnix(header, rights, nil); err != nil {
		return fmt.Errorf("pcache: send params: %w", err)
	}
	return nil
}

// ReceiveBackendParams reads one params bundle from conn. The returned
// params own the received handles.
func ReceiveBackendParams(conn *net.UnixConn) (*BackendParams, error) {
	buf := make([]byte, 4096)
	oob := make([]byte, unix.CmsgSpace(handoffFileCount*4))
	n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, fmt.Errorf("pcache: receive params: %w", err)
	}

	fds, err := parseRights(oob[:oobn])
	if err != nil {
		return nil, err
	}
	if len(fds) != handoffFileCount {
		for _, fd := range fds {
			unix.Close(fd)
		}
		return nil, fmt.Errorf("pcache: expected %d handles, received %d", handoffFileCount, len(fds))
	}

	var header paramsHeader
	if err := json.Unmarshal(buf[:n], &header); err != nil {
		for _, fd := range fds {
			unix.Close(fd)
		}
		return nil, fmt.Errorf("pcache: decode params header: %w", err)
	}

	for _, fd := range fds {
		unix.CloseOnExec(fd)
	}
	return &BackendParams{
		Type:      header.Type,
		DB:        os.NewFile(uintptr(fds[0]), "pcache-db"),
		Journal:   os.NewFile(uintptr(fds[1]), "pcache-journal"),
		Lock:      os.NewFile(uintptr(fds[2]), "pcache-lock"),
		ReadWrite: header.ReadWrite,
	}, nil
}

func parseRights(oob []byte) ([]int, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("pcache: parse control message: %w", err)
	}
	var fds []int
	for i := range msgs {
		parsed, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}
		fds = append(fds, parsed...)
	}
	return fds, nil
}
