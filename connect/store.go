package connect

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Device is the persisted identity of a client install.
type Device struct {
	DeviceId         string        `json:"device_id"`
	ServerTimeOffset time.Duration `json:"server_time_offset"`
}

// DeviceStore persists the device identity across client instances.
// `LoadDevice` returns nil, nil when nothing is stored yet.
type DeviceStore interface {
	LoadDevice() (*Device, error)
	SaveDevice(device *Device) error
}

// LoadOrCreateDevice generates and saves a new device id when the store is empty
// or the stored id is not an id.
func LoadOrCreateDevice(store DeviceStore) (*Device, error) {
	device, err := store.LoadDevice()
	if err != nil {
		return nil, err
	}
	if device != nil {
		if _, err := ParseId(device.DeviceId); err == nil {
			return device, nil
		}
	}
	if device == nil {
		device = &Device{}
	}
	device.DeviceId = NewId().String()
	if err := store.SaveDevice(device); err != nil {
		return nil, err
	}
	return device, nil
}

type MemoryDeviceStore struct {
	stateLock sync.Mutex
	device    *Device
}

func NewMemoryDeviceStore() *MemoryDeviceStore {
	return &MemoryDeviceStore{}
}

func NewMemoryDeviceStoreWithDevice(device Device) *MemoryDeviceStore {
	return &MemoryDeviceStore{
		device: &device,
	}
}

func (self *MemoryDeviceStore) LoadDevice() (*Device, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.device == nil {
		return nil, nil
	}
	device := *self.device
	return &device, nil
}

func (self *MemoryDeviceStore) SaveDevice(device *Device) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	deviceCopy := *device
	self.device = &deviceCopy
	return nil
}

// FileDeviceStore keeps the device as json in a single file.
type FileDeviceStore struct {
	stateLock sync.Mutex
	path      string
}

func NewFileDeviceStore(path string) *FileDeviceStore {
	return &FileDeviceStore{
		path: path,
	}
}

func (self *FileDeviceStore) LoadDevice() (*Device, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	deviceBytes, err := os.ReadFile(self.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	device := &Device{}
	if err := json.Unmarshal(deviceBytes, device); err != nil {
		return nil, fmt.Errorf("device store %s: %w", self.path, err)
	}
	return device, nil
}

// write to a temp file then rename
func (self *FileDeviceStore) SaveDevice(device *Device) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	deviceBytes, err := json.Marshal(device)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(self.path), 0700); err != nil {
		return err
	}
	tmpPath := self.path + ".tmp"
	if err := os.WriteFile(tmpPath, deviceBytes, 0600); err != nil {
		return err
	}
	return os.Rename(tmpPath, self.path)
}
