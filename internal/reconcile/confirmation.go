package reconcile

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/pixbill/internal/billing"
	"github.com/lalithlochan/pixbill/internal/db"
)

// confirmation builds the message enqueued with an approval. Account
// payments are confirmed to the account through the tenant's session;
// subscription payments to the tenant owner through the platform session.
func (r *Reconciler) confirmation(o *db.ApprovalOutcome) *db.OutboxMessage {
	p := o.Payment
	msg := &db.OutboxMessage{
		TenantID:  p.TenantID,
		AccountID: p.AccountID,
		PaymentID: &p.ID,
		Status:    db.OutboxPending,
	}

	switch p.OwnerType {
	case db.OwnerAccount:
		if o.Account == nil || o.Tenant == nil {
			return nil
		}
		msg.Instance = o.Tenant.Instance
		msg.Phone = o.Account.Phone
		msg.Body = fmt.Sprintf("Olá %s! Recebemos seu pagamento de %s. Obrigado!", o.Account.Name, billing.FormatBRL(p.Amount))
		if o.NewDueDate != nil {
			msg.Body += fmt.Sprintf(" Próximo vencimento: %s.", billing.FormatDate(*o.NewDueDate))
		}

	case db.OwnerTenant:
		if o.Tenant == nil {
			return nil
		}
		msg.Instance = r.cfg.PlatformInstance
		msg.Phone = o.Tenant.OwnerPhone
		msg.Body = fmt.Sprintf("Pagamento da assinatura de %s confirmado (%s).", o.Tenant.Name, billing.FormatBRL(p.Amount))
		if o.SubscriptionExpiresAt != nil {
			msg.Body += fmt.Sprintf(" Válida até %s.", billing.FormatDate(o.SubscriptionExpiresAt.In(r.cfg.Location)))
		}

	default:
		return nil
	}

	if msg.Instance == "" || msg.Phone == "" {
		r.logger.Warn("payment confirmation skipped, no destination",
			zap.String("payment_id", p.ID.String()),
			zap.String("owner_type", p.OwnerType),
		)
		return nil
	}
	return msg
}
