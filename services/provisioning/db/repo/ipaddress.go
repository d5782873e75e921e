package repo

import (
	"context"
	"fmt"
	"math/bits"
	"net/netip"

	"github.com/go-errors/errors"
	"github.com/google/uuid"
	"github.com/kaytu-io/kaytu-marketplace/services/provisioning/db/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNoIpAvailable    = fmt.Errorf("no ip range available")
	ErrIpConfigNotFound = fmt.Errorf("ip config not found")
	ErrInvalidIpBlock   = fmt.Errorf("invalid ip block")
)

type IpAddressRepo interface {
	// AssignIpRange returns the range already held by subscriptionID in the
	// named config, or reserves the first free one.
	AssignIpRange(ctx context.Context, offerName string, subscriptionID uuid.UUID, ipConfigName string) (string, error)
	// AddIpBlock splits cidr into ranges of the config's IpRangeLength and
	// stores them as available.
	AddIpBlock(ctx context.Context, offerName, ipConfigName, cidr string) (*model.IpBlock, error)
}

type IpAddressRepoImpl struct {
	db *gorm.DB
}

func NewIpAddressRepo(db *gorm.DB) IpAddressRepo {
	return &IpAddressRepoImpl{
		db: db,
	}
}

func (r *IpAddressRepoImpl) getIpConfig(tx *gorm.DB, offerName, ipConfigName string) (*model.IpConfig, error) {
	var cfg model.IpConfig
	err := tx.Where("offer_name = ? AND name = ?", offerName, ipConfigName).First(&cfg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s of offer %s", ErrIpConfigNotFound, ipConfigName, offerName)
		}
		return nil, err
	}
	return &cfg, nil
}

func (r *IpAddressRepoImpl) AssignIpRange(ctx context.Context, offerName string, subscriptionID uuid.UUID, ipConfigName string) (string, error) {
	var value string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cfg, err := r.getIpConfig(tx, offerName, ipConfigName)
		if err != nil {
			return err
		}
		// Runs for the same subscription and config queue here, so the
		// second one finds the range the first one reserved.
		lockKey := fmt.Sprintf("ip-range/%d/%s", cfg.ID, subscriptionID)
		if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", lockKey).Error; err != nil {
			return err
		}

		blocks := tx.Model(&model.IpBlock{}).Select("id").Where("ip_config_id = ?", cfg.ID)

		var existing model.IpAddress
		err = tx.Where("subscription_id = ? AND ip_block_id IN (?)", subscriptionID, blocks).
			Order("id").
			First(&existing).Error
		if err == nil {
			value = existing.Value
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		var free model.IpAddress
		err = tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("is_available = ? AND ip_block_id IN (?)", true, blocks).
			Order("id").
			First(&free).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w in %s", ErrNoIpAvailable, ipConfigName)
			}
			return err
		}

		err = tx.Model(&free).Updates(map[string]any{
			"subscription_id": subscriptionID,
			"is_available":    false,
		}).Error
		if err != nil {
			return err
		}
		value = free.Value
		return nil
	})
	if err != nil {
		return "", err
	}
	return value, nil
}

// releaseIpRanges returns every range held by subscriptionID to the pool.
func releaseIpRanges(tx *gorm.DB, subscriptionID uuid.UUID) error {
	return tx.Model(&model.IpAddress{}).
		Where("subscription_id = ?", subscriptionID).
		Updates(map[string]any{
			"subscription_id": nil,
			"is_available":    true,
		}).Error
}

func (r *IpAddressRepoImpl) AddIpBlock(ctx context.Context, offerName, ipConfigName, cidr string) (*model.IpBlock, error) {
	var block model.IpBlock
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cfg, err := r.getIpConfig(tx, offerName, ipConfigName)
		if err != nil {
			return err
		}
		ranges, err := SplitIpBlock(cidr, cfg.IpRangeLength)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidIpBlock, err)
		}

		block = model.IpBlock{IpConfigID: cfg.ID, CIDR: cidr}
		if err := tx.Create(&block).Error; err != nil {
			return err
		}

		addresses := make([]model.IpAddress, 0, len(ranges))
		for _, v := range ranges {
			addresses = append(addresses, model.IpAddress{
				IpBlockID:   block.ID,
				Value:       v,
				IsAvailable: true,
			})
		}
		return tx.CreateInBatches(addresses, 500).Error
	})
	if err != nil {
		return nil, err
	}
	return &block, nil
}

// SplitIpBlock cuts an IPv4 cidr into consecutive ranges of rangeLength
// addresses. rangeLength must be a power of two no larger than the block.
func SplitIpBlock(cidr string, rangeLength int) ([]string, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return nil, fmt.Errorf("invalid ip block %s: %w", cidr, err)
	}
	if !prefix.Addr().Is4() {
		return nil, fmt.Errorf("ip block %s is not ipv4", cidr)
	}
	if prefix.Masked() != prefix {
		return nil, fmt.Errorf("ip block %s is not aligned to its prefix", cidr)
	}
	if rangeLength <= 0 || rangeLength&(rangeLength-1) != 0 {
		return nil, fmt.Errorf("ip range length %d is not a power of 2", rangeLength)
	}

	blockSize := uint64(1) << (32 - prefix.Bits())
	if uint64(rangeLength) > blockSize {
		return nil, fmt.Errorf("ip range length %d exceeds block %s", rangeLength, cidr)
	}
	subPrefix := 32 - (bits.Len(uint(rangeLength)) - 1)

	start := prefix.Addr().As4()
	base := uint32(start[0])<<24 | uint32(start[1])<<16 | uint32(start[2])<<8 | uint32(start[3])

	var ranges []string
	for offset := uint64(0); offset < blockSize; offset += uint64(rangeLength) {
		v := base + uint32(offset)
		addr := netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
		ranges = append(ranges, netip.PrefixFrom(addr, subPrefix).String())
	}
	return ranges, nil
}
