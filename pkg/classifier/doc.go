/*
Package classifier groups markets asking the same question into verses.

Providers list near-duplicate markets: spelling variants, reordered
words, "BTC" versus "bitcoin". The classifier canonicalizes a market
question into a stable token form (lowercase, synonym substitution,
stop-word removal, sorted tokens) and hashes it into a VerseID, so
every market phrasing the same question lands in the same verse.

SameVerse additionally tolerates small edit distances between
canonical forms, which absorbs typos that canonicalization alone
cannot.
*/
package classifier
