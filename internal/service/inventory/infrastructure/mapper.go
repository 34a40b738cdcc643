package infrastructure

import "nexus-inventory/internal/service/inventory/domain"

// toDomain 将数据库模型转换为领域模型
func (m *StockUnitModel) toDomain() *domain.StockUnit {
	if m == nil {
		return nil
	}
	return &domain.StockUnit{
		Key:              domain.StockKey{ProductID: m.ProductID, VariantID: m.VariantID},
		OnHandQuantity:   m.OnHandQuantity,
		ReservedQuantity: m.ReservedQuantity,
		Version:          m.Version,
		UpdatedAt:        m.UpdatedAt,
	}
}

func (m *ReservationModel) toDomain() *domain.Reservation {
	if m == nil {
		return nil
	}
	return &domain.Reservation{
		ID:        m.ID,
		OrderID:   m.OrderID,
		ProductID: m.ProductID,
		VariantID: m.VariantID,
		Quantity:  m.Quantity,
		Status:    m.Status,
		CreatedAt: m.CreatedAt,
		ExpiresAt: m.ExpiresAt,
		UpdatedAt: m.UpdatedAt,
	}
}

// fromDomainReservation 将领域模型转换为数据库模型 (用于插入)
func fromDomainReservation(r *domain.Reservation) *ReservationModel {
	return &ReservationModel{
		ID:        r.ID,
		OrderID:   r.OrderID,
		ProductID: r.ProductID,
		VariantID: r.VariantID,
		Quantity:  r.Quantity,
		Status:    r.Status,
		ExpiresAt: r.ExpiresAt,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}
