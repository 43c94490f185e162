// Package main is the C bridge for the Android and iOS apps. Build with
// -buildmode=c-shared (Android) or c-archive (iOS).
//
// Functions returning *C.char hand ownership to the caller, who must release
// the string with FreeString. A nil return means failure; LastError then
// holds a JSON {"code","message"} object.
package main

/*
#include <stdlib.h>
*/
import "C"
import (
	"sync"
	"unsafe"
)

var (
	core bridge

	lastMu  sync.RWMutex
	lastErr string
)

func setLastError(err error) {
	lastMu.Lock()
	defer lastMu.Unlock()
	if err == nil {
		lastErr = ""
		return
	}
	lastErr = errorJSON(err)
}

// result converts a bridge reply into an owned C string.
func result(s string, err error) *C.char {
	setLastError(err)
	if err != nil {
		return nil
	}
	return C.CString(s)
}

// status converts an error into 0 (ok) or -1.
func status(err error) C.int {
	setLastError(err)
	if err != nil {
		return -1
	}
	return 0
}

//export Init
func Init(dataDir, configPath *C.char) C.int {
	return status(core.init(C.GoString(dataDir), C.GoString(configPath)))
}

//export Cleanup
func Cleanup() {
	core.close()
}

//export SetConnected
func SetConnected(online C.int) C.int {
	return status(core.setConnected(online != 0))
}

//export SyncStatus
func SyncStatus() *C.char {
	return result(core.status())
}

//export ManualSync
func ManualSync() *C.char {
	return result(core.manualSync(syncTimeout))
}

//export CreatePatient
func CreatePatient(fieldsJSON *C.char) *C.char {
	return result(core.createPatient(C.GoString(fieldsJSON)))
}

//export ListPatients
func ListPatients() *C.char {
	return result(core.listPatients())
}

//export ImportPatientsJSON
func ImportPatientsJSON(data, strategy *C.char) *C.char {
	return result(core.importPatients(C.GoString(data), C.GoString(strategy)))
}

//export SendPatients
func SendPatients(target *C.char) C.int {
	return status(core.sendPatients(C.GoString(target), transferTimeout))
}

// NextEvent returns the oldest queued event, or an empty string.
//
//export NextEvent
func NextEvent() *C.char {
	return result(core.nextEvent())
}

//export LastError
func LastError() *C.char {
	lastMu.RLock()
	defer lastMu.RUnlock()
	return C.CString(lastErr)
}

//export FreeString
func FreeString(s *C.char) {
	if s != nil {
		C.free(unsafe.Pointer(s))
	}
}
