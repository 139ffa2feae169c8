package models

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Account is one row of the tenant's chart of accounts.
type Account struct {
	ID         int             `gorm:"primary_key" json:"id"`
	BusinessId string          `gorm:"size:64;not null;index;index:uniq_account_code,unique" json:"business_id"`
	Code       string          `gorm:"size:20;not null;index:uniq_account_code,unique" json:"code"`
	Name       string          `gorm:"size:100;not null" json:"name" binding:"required"`
	MainType   AccountMainType `gorm:"size:10;not null;index" json:"main_type" binding:"required"`
	DetailType string          `gorm:"size:50" json:"detail_type"`
	// SystemCode marks the default account for a posting role (CASH, AR, AP, ...).
	SystemCode string    `gorm:"size:4;index" json:"system_code"`
	IsActive   *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func boolPtr(b bool) *bool { return &b }

// DefaultChartOfAccounts is the minimal chart seeded for a new tenant.
// Tenant configuration may add accounts and remap roles via rules.
func DefaultChartOfAccounts(businessId string) []Account {
	return []Account{
		{BusinessId: businessId, Code: "1000", Name: "Cash", MainType: AccountMainTypeAsset, DetailType: "Cash", SystemCode: SystemAccountCash, IsActive: boolPtr(true)},
		{BusinessId: businessId, Code: "1100", Name: "Accounts Receivable", MainType: AccountMainTypeAsset, DetailType: "AccountsReceivable", SystemCode: SystemAccountAR, IsActive: boolPtr(true)},
		{BusinessId: businessId, Code: "1200", Name: "Inventory", MainType: AccountMainTypeAsset, DetailType: "Stock", SystemCode: SystemAccountInventory, IsActive: boolPtr(true)},
		{BusinessId: businessId, Code: "2000", Name: "Accounts Payable", MainType: AccountMainTypeLiability, DetailType: "AccountsPayable", SystemCode: SystemAccountAP, IsActive: boolPtr(true)},
		{BusinessId: businessId, Code: "2100", Name: "Tax Payable", MainType: AccountMainTypeLiability, DetailType: "OutputTax", SystemCode: SystemAccountTaxPayable, IsActive: boolPtr(true)},
		{BusinessId: businessId, Code: "4000", Name: "Sales Revenue", MainType: AccountMainTypeIncome, DetailType: "Income", SystemCode: SystemAccountSales, IsActive: boolPtr(true)},
		{BusinessId: businessId, Code: "5000", Name: "Cost of Goods Sold", MainType: AccountMainTypeExpense, DetailType: "CostOfGoodsSold", SystemCode: SystemAccountCOGS, IsActive: boolPtr(true)},
		{BusinessId: businessId, Code: "5100", Name: "Sales Discounts", MainType: AccountMainTypeExpense, DetailType: "OtherExpense", SystemCode: SystemAccountDiscount, IsActive: boolPtr(true)},
		{BusinessId: businessId, Code: "6000", Name: "General Expense", MainType: AccountMainTypeExpense, DetailType: "Expense", SystemCode: SystemAccountExpense, IsActive: boolPtr(true)},
	}
}

// SeedDefaultAccounts inserts the default chart for tenants that have none.
func SeedDefaultAccounts(ctx context.Context, tx *gorm.DB, businessId string) error {
	var count int64
	if err := tx.WithContext(ctx).Model(&Account{}).Where("business_id = ?", businessId).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	accounts := DefaultChartOfAccounts(businessId)
	return tx.WithContext(ctx).Create(&accounts).Error
}

func GetAccountByCode(ctx context.Context, tx *gorm.DB, businessId, code string) (*Account, error) {
	var account Account
	err := tx.WithContext(ctx).
		Where("business_id = ? AND code = ? AND is_active = ?", businessId, code, true).
		First(&account).Error
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func GetAccountBySystemCode(ctx context.Context, tx *gorm.DB, businessId, systemCode string) (*Account, error) {
	var account Account
	err := tx.WithContext(ctx).
		Where("business_id = ? AND system_code = ? AND is_active = ?", businessId, systemCode, true).
		First(&account).Error
	if err != nil {
		return nil, err
	}
	return &account, nil
}
