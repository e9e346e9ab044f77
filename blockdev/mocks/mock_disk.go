// Written by hand in the form MockGen generates.
// Source: github.com/casys-kaist/KeOS-sub001/blockdev (interfaces: Disk)

// Package mocks contains a hand-maintained equivalent of the mockgen
// output for blockdev.Disk, since this module's generated code cannot
// be produced by running `go generate` here.
package mocks

import (
	reflect "reflect"

	gomock "go.uber.org/mock/gomock"
)

// MockDisk is a mock of the Disk interface.
type MockDisk struct {
	ctrl     *gomock.Controller
	recorder *MockDiskMockRecorder
}

// MockDiskMockRecorder is the mock recorder for MockDisk.
type MockDiskMockRecorder struct {
	mock *MockDisk
}

// NewMockDisk creates a new mock instance.
func NewMockDisk(ctrl *gomock.Controller) *MockDisk {
	mock := &MockDisk{ctrl: ctrl}
	mock.recorder = &MockDiskMockRecorder{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockDisk) EXPECT() *MockDiskMockRecorder {
	return m.recorder
}

// ReadSector mocks base method.
func (m *MockDisk) ReadSector(sector int64, buf []byte) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "ReadSector", sector, buf)
	ret0, _ := ret[0].(error)
	return ret0
}

// ReadSector indicates an expected call of ReadSector.
func (mr *MockDiskMockRecorder) ReadSector(sector, buf any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "ReadSector", reflect.TypeOf((*MockDisk)(nil).ReadSector), sector, buf)
}

// WriteSector mocks base method.
func (m *MockDisk) WriteSector(sector int64, buf []byte) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "WriteSector", sector, buf)
	ret0, _ := ret[0].(error)
	return ret0
}

// WriteSector indicates an expected call of WriteSector.
func (mr *MockDiskMockRecorder) WriteSector(sector, buf any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "WriteSector", reflect.TypeOf((*MockDisk)(nil).WriteSector), sector, buf)
}

// Flush mocks base method.
func (m *MockDisk) Flush() error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Flush")
	ret0, _ := ret[0].(error)
	return ret0
}

// Flush indicates an expected call of Flush.
func (mr *MockDiskMockRecorder) Flush() *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Flush", reflect.TypeOf((*MockDisk)(nil).Flush))
}

// NumSectors mocks base method.
func (m *MockDisk) NumSectors() int64 {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "NumSectors")
	ret0, _ := ret[0].(int64)
	return ret0
}

// NumSectors indicates an expected call of NumSectors.
func (mr *MockDiskMockRecorder) NumSectors() *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "NumSectors", reflect.TypeOf((*MockDisk)(nil).NumSectors))
}
