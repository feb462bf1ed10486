// Package ipc implements bVisor's cross-process fd handoff (spec §6): the
// guest predicts the fd number seccomp(2) will hand it, reports that
// prediction to the supervisor over a plain UNIX socket, and the
// supervisor imports the real fd out of the guest's own descriptor table
// with pidfd_getfd rather than receiving it via SCM_RIGHTS. This is the
// "cross-process FD lookup" §1 describes the supervisor performing to
// obtain the guest's notification listener.
package ipc

import (
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	cerrors "github.com/butterdotdev/bvisor/errors"
)

// importRetries bounds how many times ImportNotifyFd retries pidfd_getfd
// while the guest's seccomp(2) install is still in flight (spec §6: "after
// ≈100 attempts it fails").
const importRetries = 100

const importRetryDelay = time.Millisecond

const (
	tagPrediction byte = 1
	tagError      byte = 2
)

// DuplicateFd opens a pidfd for absTid and duplicates its file descriptor
// guestFd into the supervisor's own process, returning the new local fd.
// The caller owns the returned fd and must close it. This is the general
// form of the mechanism ImportNotifyFd specializes for the handoff fd.
func DuplicateFd(absTid int32, guestFd int) (int, error) {
	pidfd, err := unix.PidfdOpen(int(absTid), 0)
	if err != nil {
		return -1, cerrors.Wrap(err, cerrors.ErrPidfdOpenFailed.Kind, "pidfd_open")
	}
	defer unix.Close(pidfd)

	localFd, err := unix.PidfdGetfd(pidfd, guestFd, 0)
	if err != nil {
		return -1, cerrors.Wrap(err, cerrors.ErrPidfdGetfdFailed.Kind, "pidfd_getfd")
	}
	return localFd, nil
}

// PredictFd reserves and immediately frees a file descriptor number in the
// calling process, returning the value the kernel is likely to reuse for
// the very next fd it allocates — in guestinit's case, the listener fd
// seccomp(2) returns a few instructions later (spec §6: "dup(0); close
// (fd)").
func PredictFd() (int, error) {
	fd, err := unix.Dup(0)
	if err != nil {
		return -1, cerrors.Wrap(err, cerrors.ErrSeccompFilter.Kind, "predict_fd_dup")
	}
	if err := unix.Close(fd); err != nil {
		return -1, cerrors.Wrap(err, cerrors.ErrSeccompFilter.Kind, "predict_fd_close")
	}
	return fd, nil
}

// SendPrediction reports a predicted fd number to the supervisor over
// sockFd, a connected UNIX socket. Called once, before installing the
// seccomp filter, so the supervisor can start polling pidfd_getfd for it
// immediately.
func SendPrediction(sockFd, predictedFd int) error {
	msg := make([]byte, 5)
	msg[0] = tagPrediction
	binary.LittleEndian.PutUint32(msg[1:], uint32(predictedFd))
	if _, err := unix.Write(sockFd, msg); err != nil {
		return cerrors.Wrap(err, cerrors.ErrInternal, "send_prediction")
	}
	return nil
}

// SendError reports a guestinit bootstrap failure to the supervisor over
// the same handoff socket SendPrediction uses, so a failure before the
// prediction surfaces with its real cause instead of the supervisor just
// seeing the socket close. ImportNotifyFd reads a single message, so an
// error sent after a prediction (a filter-install or exec failure) is not
// seen by the supervisor.
func SendError(sockFd int, bootstrapErr error) error {
	msg := append([]byte{tagError}, []byte(bootstrapErr.Error())...)
	if _, err := unix.Write(sockFd, msg); err != nil {
		return cerrors.Wrap(err, cerrors.ErrInternal, "send_error")
	}
	return nil
}

// ImportNotifyFd receives the guest's predicted fd number over sockFd and
// imports the real fd it names out of childPid's descriptor table via
// pidfd_getfd, retrying with a short sleep while the guest's seccomp
// install is still pending (pidfd_getfd reports EBADF until the fd number
// is actually occupied). If the guest reported a bootstrap error instead
// of a prediction, that error is returned verbatim.
func ImportNotifyFd(sockFd int, childPid int) (int, error) {
	buf := make([]byte, 4096)
	n, err := unix.Read(sockFd, buf)
	if err != nil {
		return -1, cerrors.Wrap(err, cerrors.ErrInternal, "recv_prediction")
	}
	if n == 0 {
		return -1, cerrors.New(cerrors.ErrInternal, "recv_prediction", "guest closed the handoff socket without reporting a prediction")
	}

	switch buf[0] {
	case tagError:
		return -1, fmt.Errorf("guestinit: %s", string(buf[1:n]))
	case tagPrediction:
		if n < 5 {
			return -1, cerrors.New(cerrors.ErrInternal, "recv_prediction", "truncated prediction message")
		}
	default:
		return -1, cerrors.New(cerrors.ErrInternal, "recv_prediction", "unrecognized handoff message")
	}
	predictedFd := int(binary.LittleEndian.Uint32(buf[1:5]))

	pidfd, err := unix.PidfdOpen(childPid, 0)
	if err != nil {
		return -1, cerrors.Wrap(err, cerrors.ErrPidfdOpenFailed.Kind, "pidfd_open")
	}
	defer unix.Close(pidfd)

	var lastErr error
	for attempt := 0; attempt < importRetries; attempt++ {
		notifyFd, err := unix.PidfdGetfd(pidfd, predictedFd, 0)
		if err == nil {
			return notifyFd, nil
		}
		lastErr = err
		if err != unix.EBADF {
			break
		}
		time.Sleep(importRetryDelay)
	}
	return -1, cerrors.Wrap(lastErr, cerrors.ErrPidfdGetfdFailed.Kind, "pidfd_getfd")
}
