package linux

import (
	"crypto/rand"

	"github.com/pkg/errors"

	"github.com/lxhost/lxhost/go/loader"
	"github.com/lxhost/lxhost/go/models"
)

const (
	ELF_AT_NULL = iota
	ELF_AT_IGNORE
	ELF_AT_EXECFD
	ELF_AT_PHDR
	ELF_AT_PHENT
	ELF_AT_PHNUM
	ELF_AT_PAGESZ
	ELF_AT_BASE
	ELF_AT_FLAGS
	ELF_AT_ENTRY
	ELF_AT_NOTELF
	ELF_AT_UID
	ELF_AT_EUID
	ELF_AT_GID
	ELF_AT_EGID
	ELF_AT_PLATFORM
	ELF_AT_HWCAP
	ELF_AT_CLKTCK        = 17
	ELF_AT_SECURE        = 23
	ELF_AT_BASE_PLATFORM = 24
	ELF_AT_RANDOM        = 25
	ELF_AT_HWCAP2        = 26
	ELF_AT_EXECFN        = 31
	ELF_AT_SYSINFO       = 32
	ELF_AT_SYSINFO_EHDR  = 33
)

// AuxvInfo is what the auxiliary vector describes about a new process.
type AuxvInfo struct {
	Image  *loader.Image
	Interp *loader.Image

	PageSize  uint64
	Platform  string
	HwCap     uint64
	ClockTick uint64
	Uid, Gid  int
	Secure    bool
	ExecFn    string

	// Random seeds AT_RANDOM; 16 bytes are drawn from crypto/rand if nil.
	Random []byte
}

// SetupElfAuxv appends the auxiliary vector for a freshly loaded image.
func SetupElfAuxv(s *Stack, info *AuxvInfo) error {
	if info.Image == nil {
		return errors.New("auxv: no image")
	}
	img := info.Image
	if img.ProgramHeaders != 0 {
		s.AppendAuxv(ELF_AT_PHDR, img.ProgramHeaders)
		s.AppendAuxv(ELF_AT_PHENT, img.ProgramHeaderSize)
		s.AppendAuxv(ELF_AT_PHNUM, img.NumProgramHeaders)
	}
	s.AppendAuxv(ELF_AT_PAGESZ, info.PageSize)
	if info.Interp != nil {
		s.AppendAuxv(ELF_AT_BASE, info.Interp.Base)
	}
	s.AppendAuxv(ELF_AT_FLAGS, 0)
	s.AppendAuxv(ELF_AT_ENTRY, img.Entry)
	s.AppendAuxv(ELF_AT_UID, uint64(info.Uid))
	s.AppendAuxv(ELF_AT_EUID, uint64(info.Uid))
	s.AppendAuxv(ELF_AT_GID, uint64(info.Gid))
	s.AppendAuxv(ELF_AT_EGID, uint64(info.Gid))

	platform := info.Platform
	if platform == "" {
		platform = s.Arch.Platform
	}
	if err := s.AppendAuxvString(ELF_AT_PLATFORM, platform); err != nil {
		return err
	}
	s.AppendAuxv(ELF_AT_HWCAP, info.HwCap)
	clk := info.ClockTick
	if clk == 0 {
		clk = models.DefaultClockTick
	}
	s.AppendAuxv(ELF_AT_CLKTCK, clk)
	var secure uint64
	if info.Secure {
		secure = 1
	}
	s.AppendAuxv(ELF_AT_SECURE, secure)

	random := info.Random
	if random == nil {
		var tmp [16]byte
		if _, err := rand.Read(tmp[:]); err != nil {
			return errors.Wrap(err, "auxv: AT_RANDOM")
		}
		random = tmp[:]
	}
	if err := s.AppendAuxvBytes(ELF_AT_RANDOM, random); err != nil {
		return err
	}
	if info.ExecFn != "" {
		if err := s.AppendAuxvString(ELF_AT_EXECFN, info.ExecFn); err != nil {
			return err
		}
	}
	return nil
}
