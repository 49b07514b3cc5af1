// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package idgen

import (
	"encoding/base32"
	"encoding/binary"
	"errors"
	"math/rand/v2"
	"net"
	"os"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sony/sonyflake"
)

var DefaultFlakeGenerator *SonyFlakeGenerator

func init() {
	var err error
	DefaultFlakeGenerator, err = newFlakeGenerator()
	if err != nil {
		panic(err)
	}
}

type SonyFlakeGenerator struct {
	sf *sonyflake.Sonyflake
}

func newFlakeGenerator() (*SonyFlakeGenerator, error) {
	settings := sonyflake.Settings{
		StartTime: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		MachineID: machineID,
	}

	sf, err := sonyflake.New(settings)
	if err != nil {
		return nil, err
	}
	if sf == nil {
		return nil, errors.New("failed to create Sonyflake instance")
	}
	return &SonyFlakeGenerator{sf: sf}, nil
}

// machineID uses the low 16 bits of a private IPv4 address like sonyflake
// does. Hosts without one (laptops, CI runners) fall back to a hash of the
// hostname, then to a random value.
func machineID() (uint16, error) {
	addrs, _ := net.InterfaceAddrs()
	host, _ := os.Hostname()
	return machineIDFrom(addrs, host), nil
}

func machineIDFrom(addrs []net.Addr, host string) uint16 {
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		ip := ipnet.IP.To4()
		if ip == nil || !(ip.IsPrivate() || ip.IsLinkLocalUnicast()) {
			continue
		}
		return uint16(ip[2])<<8 + uint16(ip[3])
	}
	if host != "" {
		return uint16(xxhash.Sum64String(host))
	}
	return uint16(rand.N(1 << 16))
}

// NextID returns a positive int64 that'll increase roughly in time order.
func (g *SonyFlakeGenerator) NextID() int64 {
	v, err := g.sf.NextID()
	if err != nil {
		return rand.Int64N(1 << 62)
	}
	return int64(v)
}

var runIDEncoding = base32.NewEncoding("0123456789abcdefghijklmnopqrstuv").WithPadding(base32.NoPadding)

// NextBase32ID returns NextID as lowercase unpadded base32, suitable for
// use in object keys and directory names.
func (g *SonyFlakeGenerator) NextBase32ID() string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(g.NextID()))
	return strings.TrimLeft(runIDEncoding.EncodeToString(b[:]), "0")
}

// NextRunID names one pipeline run.
func NextRunID() string {
	return "run-" + DefaultFlakeGenerator.NextBase32ID()
}
