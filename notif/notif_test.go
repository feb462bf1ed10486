package notif

import "testing"

func TestIocEncodesDirectionAndType(t *testing.T) {
	// _IOC(_IOC_READ|_IOC_WRITE, '!', 0, size) per <asm-generic/ioctl.h>:
	// bits 30-31 direction, bits 8-15 type, bits 0-7 nr, bits 16-29 size.
	const size = 8
	got := ioc(iocRead|iocWrite, '!', 0, size)

	wantDir := uintptr(iocRead | iocWrite)
	if (got >> 30) != wantDir {
		t.Errorf("direction bits = %#x, want %#x", got>>30, wantDir)
	}
	if typ := (got >> 8) & 0xff; typ != '!' {
		t.Errorf("type bits = %c, want !", rune(typ))
	}
	if nr := got & 0xff; nr != 0 {
		t.Errorf("nr bits = %d, want 0", nr)
	}
	if sz := (got >> 16) & 0x3fff; sz != size {
		t.Errorf("size bits = %d, want %d", sz, size)
	}
}

func TestNotifRecvSendCommandsDistinct(t *testing.T) {
	if notifRecvCmd == notifSendCmd {
		t.Error("NOTIF_RECV and NOTIF_SEND must encode to different ioctl numbers")
	}
	if notifRecvCmd == notifIDValidCmd || notifSendCmd == notifIDValidCmd {
		t.Error("NOTIF_ID_VALID must encode to a distinct ioctl number")
	}
}

func TestReceiveOnInvalidFdFails(t *testing.T) {
	l := New(-1)
	if _, err := l.Receive(); err == nil {
		t.Error("expected Receive on an invalid fd to fail")
	}
}

func TestSendOnInvalidFdFails(t *testing.T) {
	l := New(-1)
	if err := l.Send(Reply{Flags: FlagContinue}); err == nil {
		t.Error("expected Send on an invalid fd to fail")
	}
}
